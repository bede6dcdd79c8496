// Package gateway is the metered transcript gateway: a cached fetch in front
// of upstream providers, billed one credit per cache miss.
package gateway

import (
	"context"
	"regexp"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/metrics"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/service/credits"
	"go.uber.org/zap"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Biller is the slice of the credits engine the gateway needs.
type Biller interface {
	HasCredits(l *model.License, amount int64) bool
	UseCredits(ctx context.Context, licenseID, amount int64, ref model.Ref) (*credits.Result, error)
}

// TranscriptResult is a served transcript and the debit it caused, if any.
type TranscriptResult struct {
	Result
	Charged          int64 `json:"credits_used"`
	CreditsRemaining int64 `json:"credits_remaining"`
}

type Service struct {
	fetcher Fetcher
	biller  Biller
	cost    int64
	log     *zap.Logger
}

func NewService(fetcher Fetcher, biller Biller, costPerCall int64, log *zap.Logger) *Service {
	if costPerCall <= 0 {
		costPerCall = 1
	}
	return &Service{fetcher: fetcher, biller: biller, cost: costPerCall, log: log}
}

// Transcript serves a transcript for l. The balance is checked first so an
// empty license never reaches upstream; a cache hit is never billed.
func (s *Service) Transcript(ctx context.Context, l *model.License, req Request) (*TranscriptResult, error) {
	req.VideoID = strings.TrimSpace(req.VideoID)
	if !videoIDPattern.MatchString(req.VideoID) {
		return nil, apperr.New(apperr.InvalidInput, "video_id must be an 11 character video id")
	}
	if req.Mode == "" {
		req.Mode = "auto"
	}
	if req.Lang == "" {
		req.Lang = "auto"
	}

	if !s.biller.HasCredits(l, s.cost) {
		metrics.GatewayRequestsTotal.WithLabelValues("insufficient_credits").Inc()
		return nil, apperr.Newf(apperr.InsufficientCredits,
			"insufficient credits: %d required, %d remaining", s.cost, l.Remaining()).
			With("requested", s.cost).
			With("remaining", l.Remaining())
	}

	res, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("upstream_error").Inc()
		s.log.Warn("transcript fetch failed",
			zap.Int64("license_id", l.ID),
			zap.String("video_id", req.VideoID),
			zap.Error(err))
		return nil, err
	}

	out := &TranscriptResult{Result: res, CreditsRemaining: l.Remaining()}
	if res.CacheHit {
		metrics.GatewayRequestsTotal.WithLabelValues("cache_hit").Inc()
		return out, nil
	}

	charged, err := s.biller.UseCredits(ctx, l.ID, s.cost, model.Ref{
		Type: model.RefAPI,
		ID:   req.VideoID,
		Note: "transcript " + req.Mode + "/" + req.Lang,
	})
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("billing_failed").Inc()
		return nil, err
	}
	metrics.GatewayRequestsTotal.WithLabelValues("billed").Inc()
	out.Charged = s.cost
	out.CreditsRemaining = charged.Balance
	return out, nil
}
