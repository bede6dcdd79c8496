// Package events defines the typed domain events emitted by the services
// and the outbox writer that records them in the emitting transaction.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmehdipour/licensing-gateway/internal/util"
	"github.com/jmoiron/sqlx"
)

type Type string

const (
	CreditsLow         Type = "credits.low"
	CreditsDepleted    Type = "credits.depleted"
	CreditsReset       Type = "credits.reset"
	PlanChanged        Type = "plan.changed"
	LicenseActivated   Type = "license.activated"
	LicenseDeactivated Type = "license.deactivated"
	SiteUnlocked       Type = "license.site_unlocked"
	LicenseProvisioned Type = "license.provisioned"
)

// Event is the envelope published on the notifications topic.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	LicenseID  int64          `json:"license_id"`
	LicenseKey string         `json:"license_key"`
	Email      string         `json:"email,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func New(typ Type, l *model.License, now time.Time, data map[string]any) Event {
	return Event{
		ID:         util.NewAt(now),
		Type:       typ,
		LicenseID:  l.ID,
		LicenseKey: l.Key,
		Email:      l.Email,
		Data:       data,
		OccurredAt: now.UTC(),
	}
}

// LedgerRecord is the ledger stream row consumed by the reporting store.
type LedgerRecord struct {
	LicenseKey   string `json:"license_key"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	RefType      string `json:"ref_type"`
	CreatedAt    int64  `json:"created_at"`
}

// Outbox writes events into the outbox table inside the caller's
// transaction. An empty topic disables that stream.
type Outbox struct {
	repo              repository.OutboxRepository
	notificationTopic string
	ledgerTopic       string
}

func NewOutbox(repo repository.OutboxRepository, notificationTopic, ledgerTopic string) *Outbox {
	return &Outbox{repo: repo, notificationTopic: notificationTopic, ledgerTopic: ledgerTopic}
}

// Emit records ev on the notifications topic.
func (o *Outbox) Emit(ctx context.Context, tx *sqlx.Tx, ev Event) error {
	if o == nil || o.notificationTopic == "" {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return o.repo.Insert(ctx, tx, &model.OutboxEvent{
		EventID:     ev.ID,
		Aggregate:   "license",
		AggregateID: ev.LicenseKey,
		Topic:       o.notificationTopic,
		Payload:     payload,
		CreatedAt:   model.At(ev.OccurredAt),
	})
}

// Ledger mirrors an appended ledger entry onto the ledger topic.
func (o *Outbox) Ledger(ctx context.Context, tx *sqlx.Tx, e *model.LedgerEntry) error {
	if o == nil || o.ledgerTopic == "" {
		return nil
	}
	payload, err := json.Marshal(LedgerRecord{
		LicenseKey:   e.LicenseKey,
		Type:         e.Type.String(),
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		RefType:      e.RefType,
		CreatedAt:    e.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	return o.repo.Insert(ctx, tx, &model.OutboxEvent{
		EventID:     util.New(),
		Aggregate:   "ledger",
		AggregateID: e.LicenseKey,
		Topic:       o.ledgerTopic,
		Payload:     payload,
		CreatedAt:   e.CreatedAt,
	})
}
