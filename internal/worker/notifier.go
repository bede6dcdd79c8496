package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/events"
	"github.com/jmehdipour/licensing-gateway/internal/kafka"
	"go.uber.org/zap"
)

// Notifier delivers a domain event to the license owner.
type Notifier interface {
	Notify(ctx context.Context, ev events.Event) error
}

// LogNotifier records notifications in the log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier { return &LogNotifier{log: log} }

func (n *LogNotifier) Notify(_ context.Context, ev events.Event) error {
	n.log.Info("notification",
		zap.String("type", string(ev.Type)),
		zap.String("event_id", ev.ID),
		zap.Int64("license_id", ev.LicenseID),
		zap.String("email", ev.Email),
		zap.Any("data", ev.Data))
	return nil
}

type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// NotifierWorker consumes the notifications topic and hands each event to
// a Notifier. Malformed messages are committed and skipped.
type NotifierWorker struct {
	src      Source
	notifier Notifier
	log      *zap.Logger

	Attempts int
	Backoff  time.Duration
}

func NewNotifierWorker(src Source, notifier Notifier, log *zap.Logger) *NotifierWorker {
	return &NotifierWorker{src: src, notifier: notifier, log: log, Attempts: 3, Backoff: time.Second}
}

func (w *NotifierWorker) Run(ctx context.Context) error {
	for {
		m, err := w.src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, 200*time.Millisecond) {
				return nil
			}
			continue
		}
		w.Handle(ctx, m)
	}
}

// Handle processes one message and commits it.
func (w *NotifierWorker) Handle(ctx context.Context, m kafka.Message) {
	defer func() {
		if err := w.src.Commit(ctx, m); err != nil {
			w.log.Warn("kafka commit failed", zap.Error(err))
		}
	}()

	var ev events.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Type == "" {
		w.log.Warn("skipping malformed event", zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}

	for attempt := 1; ; attempt++ {
		err := w.notifier.Notify(ctx, ev)
		if err == nil {
			return
		}
		if attempt >= w.Attempts {
			w.log.Error("notification dropped",
				zap.String("event_id", ev.ID),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
			return
		}
		if !sleep(ctx, w.Backoff*time.Duration(attempt)) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
