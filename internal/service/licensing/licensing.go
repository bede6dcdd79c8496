// Package licensing is the license and activation state machine: key
// validation, site activation with per-plan slot limits, deactivation,
// heartbeats, admin unlock with a cool-down, rebinding and provisioning.
package licensing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmehdipour/licensing-gateway/internal/events"
	"github.com/jmehdipour/licensing-gateway/internal/metrics"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var errActivationRace = errors.New("activation row changed concurrently")

// Catalog resolves plans for provisioning.
type Catalog interface {
	Get(slug string) (model.Plan, error)
}

type Service struct {
	db          *sqlx.DB
	licenses    repository.LicensesRepository
	activations repository.ActivationsRepository
	ledger      repository.LedgerRepository
	outbox      *events.Outbox
	catalog     Catalog
	log         *zap.Logger

	CooldownDays int
	Debug        bool
	KeyFormat    string
	Now          func() time.Time
}

func New(
	db *sqlx.DB,
	licenses repository.LicensesRepository,
	activations repository.ActivationsRepository,
	ledger repository.LedgerRepository,
	outbox *events.Outbox,
	catalog Catalog,
	cfg config.LicensingConfig,
	log *zap.Logger,
) *Service {
	s := &Service{
		db:           db,
		licenses:     licenses,
		activations:  activations,
		ledger:       ledger,
		outbox:       outbox,
		catalog:      catalog,
		log:          log,
		CooldownDays: cfg.CooldownDays,
		Debug:        cfg.Debug,
		KeyFormat:    cfg.KeyFormat,
		Now:          time.Now,
	}
	if s.CooldownDays < 0 {
		s.CooldownDays = 0
	}
	if s.KeyFormat == "" {
		s.KeyFormat = KeyFormatShort
	}
	return s
}

// Lookup resolves a presented key, trying its stored variants.
func (s *Service) Lookup(ctx context.Context, key string) (*model.License, error) {
	variants := KeyVariants(key)
	if len(variants) == 0 {
		return nil, apperr.New(apperr.MissingCredential, "license key is required")
	}
	for _, k := range variants {
		l, err := s.licenses.GetByKey(ctx, s.db, k)
		if errors.Is(err, apperr.ErrInvalidLicense) {
			continue
		}
		return l, err
	}
	return nil, apperr.ErrInvalidLicense
}

func (s *Service) Get(ctx context.Context, id int64) (*model.License, error) {
	return s.licenses.GetByID(ctx, s.db, id)
}

// Usable reports why l may not be used for metered calls or activation,
// or nil when it is active and unexpired.
func (s *Service) Usable(l *model.License) error {
	return s.usableAt(l, s.Now())
}

func (s *Service) usableAt(l *model.License, now time.Time) error {
	switch {
	case l.Status == model.LicenseExpired || l.ExpiredAt(now):
		e := apperr.ErrLicenseExpired
		if l.ExpiresAt != nil {
			e = e.With("expires_at", l.ExpiresAt)
		}
		return e
	case l.Status != model.LicenseActive:
		return apperr.ErrLicenseInactive.With("status", l.Status)
	}
	return nil
}

// ValidateResult is the license snapshot returned by Validate.
type ValidateResult struct {
	License    *model.License
	SiteActive bool
}

// Validate checks that key names an active, unexpired license. When siteURL
// is set it also reports whether that site holds an active binding.
func (s *Service) Validate(ctx context.Context, key, siteURL string) (*ValidateResult, error) {
	l, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.Usable(l); err != nil {
		return nil, err
	}

	res := &ValidateResult{License: l}
	if siteURL == "" {
		return res, nil
	}
	site, err := NormalizeSiteURL(siteURL, true)
	if err != nil {
		return nil, err
	}
	a, err := s.activations.GetBySite(ctx, s.db, l.ID, site)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		res.SiteActive = a.IsActive
	}
	return res, nil
}

// ActivateRequest carries an activation call.
type ActivateRequest struct {
	Key         string
	SiteURL     string
	SiteName    string
	RequesterIP string
	Versions    model.Versions
}

// ActivateResult is the license and binding after activation. Refreshed is
// true when the site was already bound and only its timestamps moved.
type ActivateResult struct {
	License    *model.License
	Activation *model.Activation
	Refreshed  bool
	Events     []events.Event
}

// Activate binds a site to a license. The slot claim is a conditional
// increment in the same transaction as the activation row, so concurrent
// activations never push activation_count past activation_limit.
// Activating an already bound site refreshes it without using a slot.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (*ActivateResult, error) {
	site, err := NormalizeSiteURL(req.SiteURL, s.Debug)
	if err != nil {
		return nil, err
	}
	found, err := s.Lookup(ctx, req.Key)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	a := &model.Activation{
		LicenseID:      found.ID,
		SiteURL:        site,
		SiteName:       strings.TrimSpace(req.SiteName),
		ActivatedAt:    model.At(now),
		LastCheckedAt:  model.At(now),
		IsActive:       true,
		ClientVersion:  req.Versions.Client,
		RuntimeVersion: req.Versions.Runtime,
		RequesterIP:    req.RequesterIP,
	}

	var res *ActivateResult
	err = repository.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		l, err := s.licenses.LockByID(ctx, tx, found.ID)
		if err != nil {
			return err
		}
		if err := s.usableAt(l, now); err != nil {
			return err
		}

		existing, err := s.activations.GetBySite(ctx, tx, l.ID, site)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if existing != nil && existing.IsActive {
			a.ID = existing.ID
			if err := s.activations.Touch(ctx, tx, a, now); err != nil {
				return fmt.Errorf("touch activation: %w", err)
			}
			a.ActivatedAt = existing.ActivatedAt
			res = &ActivateResult{License: l, Activation: a, Refreshed: true}
			return nil
		}

		claimed, err := s.licenses.ClaimSlot(ctx, tx, l.ID, site, now)
		if err != nil {
			return fmt.Errorf("claim slot: %w", err)
		}
		if !claimed {
			return limitReached(l)
		}

		var ok bool
		if existing != nil {
			ok, err = s.activations.Reactivate(ctx, tx, a)
		} else {
			ok, err = s.activations.InsertIgnore(ctx, tx, a)
		}
		if err != nil {
			return fmt.Errorf("save activation: %w", err)
		}
		if !ok {
			return errActivationRace
		}

		l.ActivationCount++
		l.SiteURL = &site
		ev := events.New(events.LicenseActivated, l, now, map[string]any{
			"site_url":         site,
			"activation_count": l.ActivationCount,
			"activation_limit": l.ActivationLimit,
		})
		if err := s.outbox.Emit(ctx, tx, ev); err != nil {
			return err
		}
		res = &ActivateResult{License: l, Activation: a, Events: []events.Event{ev}}
		return nil
	})

	switch {
	case errors.Is(err, errActivationRace):
		// A concurrent call bound the same site first; ours rolled back.
		return s.refreshed(ctx, found.ID, site)
	case err != nil:
		if apperr.KindOf(err) == apperr.ActivationLimitReached {
			metrics.ActivationsTotal.WithLabelValues("limit_reached").Inc()
		}
		return nil, err
	}

	if res.Refreshed {
		metrics.ActivationsTotal.WithLabelValues("refreshed").Inc()
	} else {
		metrics.ActivationsTotal.WithLabelValues("activated").Inc()
	}
	s.log.Info("license activated",
		zap.Int64("license_id", found.ID),
		zap.String("site_url", site),
		zap.Bool("refreshed", res.Refreshed))
	return res, nil
}

func (s *Service) refreshed(ctx context.Context, licenseID int64, site string) (*ActivateResult, error) {
	l, err := s.licenses.GetByID(ctx, s.db, licenseID)
	if err != nil {
		return nil, err
	}
	a, err := s.activations.GetBySite(ctx, s.db, licenseID, site)
	if err != nil {
		return nil, err
	}
	if !a.IsActive {
		return nil, fmt.Errorf("activate: %w", errActivationRace)
	}
	return &ActivateResult{License: l, Activation: a, Refreshed: true}, nil
}

func limitReached(l *model.License) error {
	return apperr.Newf(apperr.ActivationLimitReached,
		"activation limit reached (%d/%d sites)", l.ActivationCount, l.ActivationLimit).
		With("activation_count", l.ActivationCount).
		With("activation_limit", l.ActivationLimit)
}

// Deactivate releases the binding of siteURL and its slot.
func (s *Service) Deactivate(ctx context.Context, key, siteURL string) (*model.License, error) {
	site, err := NormalizeSiteURL(siteURL, true)
	if err != nil {
		return nil, err
	}
	found, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	err = repository.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		ok, err := s.activations.Deactivate(ctx, tx, found.ID, site)
		if err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
		if !ok {
			return apperr.Newf(apperr.NotFound, "no active activation for %s", site)
		}
		if err := s.licenses.ReleaseSlot(ctx, tx, found.ID, site, now); err != nil {
			return fmt.Errorf("release slot: %w", err)
		}
		return s.outbox.Emit(ctx, tx, events.New(events.LicenseDeactivated, found, now, map[string]any{
			"site_url": site,
		}))
	})
	if err != nil {
		return nil, err
	}

	metrics.ActivationsTotal.WithLabelValues("deactivated").Inc()
	return s.licenses.GetByID(ctx, s.db, found.ID)
}

// Heartbeat records a check-in from an active binding.
func (s *Service) Heartbeat(ctx context.Context, key, siteURL string, v model.Versions) (*model.License, error) {
	site, err := NormalizeSiteURL(siteURL, true)
	if err != nil {
		return nil, err
	}
	l, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.Usable(l); err != nil {
		return nil, err
	}

	ok, err := s.activations.Heartbeat(ctx, s.db, l.ID, site, v, s.Now())
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "no active activation for %s", site)
	}
	return l, nil
}

// Activations lists the bindings of a license.
func (s *Service) Activations(ctx context.Context, licenseID int64, onlyActive bool) ([]model.Activation, error) {
	return s.activations.ListByLicense(ctx, s.db, licenseID, onlyActive)
}

// UnlockSite force-deactivates every binding of a license. A repeat unlock
// within the cool-down is rejected with the whole days left.
func (s *Service) UnlockSite(ctx context.Context, licenseID int64) (*model.License, error) {
	now := s.Now()
	cooldown := time.Duration(s.CooldownDays) * 24 * time.Hour

	err := repository.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		l, err := s.licenses.LockByID(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		if err := cooldownError(l, now, cooldown); err != nil {
			return err
		}

		ok, err := s.licenses.ClearSite(ctx, tx, l.ID, now, now.Add(-cooldown))
		if err != nil {
			return fmt.Errorf("clear site: %w", err)
		}
		if !ok {
			// Another unlock committed between our read and write.
			fresh, err := s.licenses.GetByID(ctx, tx, l.ID)
			if err != nil {
				return err
			}
			return cooldownError(fresh, now, cooldown)
		}
		if _, err := s.activations.DeactivateAll(ctx, tx, l.ID); err != nil {
			return fmt.Errorf("deactivate all: %w", err)
		}
		return s.outbox.Emit(ctx, tx, events.New(events.SiteUnlocked, l, now, map[string]any{
			"previous_site_url": l.SiteURL,
		}))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("license site unlocked", zap.Int64("license_id", licenseID))
	return s.licenses.GetByID(ctx, s.db, licenseID)
}

func cooldownError(l *model.License, now time.Time, cooldown time.Duration) error {
	if cooldown <= 0 || l.SiteUnlockAt == nil {
		return nil
	}
	nextAllowed := l.SiteUnlockAt.Add(cooldown)
	if !now.Before(nextAllowed) {
		return nil
	}
	days := int(math.Ceil(nextAllowed.Sub(now).Hours() / 24))
	return apperr.Newf(apperr.CooldownActive, "unlock cooldown active: %d days remaining", days).
		With("days_remaining", days).
		With("next_allowed_at", nextAllowed.UTC())
}

// RebindSite replaces every binding of a license with newURL. It is an
// admin override and ignores the unlock cool-down.
func (s *Service) RebindSite(ctx context.Context, licenseID int64, newURL string) (*model.License, error) {
	site, err := NormalizeSiteURL(newURL, s.Debug)
	if err != nil {
		return nil, err
	}
	now := s.Now()

	err = repository.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		l, err := s.licenses.LockByID(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		if _, err := s.activations.DeactivateAll(ctx, tx, l.ID); err != nil {
			return fmt.Errorf("deactivate all: %w", err)
		}

		a := &model.Activation{
			LicenseID:     l.ID,
			SiteURL:       site,
			ActivatedAt:   model.At(now),
			LastCheckedAt: model.At(now),
			IsActive:      true,
			RequesterIP:   "admin",
		}
		ok, err := s.activations.Reactivate(ctx, tx, a)
		if err == nil && !ok {
			ok, err = s.activations.InsertIgnore(ctx, tx, a)
		}
		if err != nil {
			return fmt.Errorf("save activation: %w", err)
		}
		if !ok {
			return errActivationRace
		}

		if err := s.licenses.BindSite(ctx, tx, l.ID, site, 1, now); err != nil {
			return fmt.Errorf("bind site: %w", err)
		}
		return s.outbox.Emit(ctx, tx, events.New(events.LicenseActivated, l, now, map[string]any{
			"site_url": site,
			"rebind":   true,
		}))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("license site rebound", zap.Int64("license_id", licenseID), zap.String("site_url", site))
	return s.licenses.GetByID(ctx, s.db, licenseID)
}

// SetStatus is the admin suspend/reactivate switch.
func (s *Service) SetStatus(ctx context.Context, licenseID int64, status model.LicenseStatus) (*model.License, error) {
	if !status.Valid() {
		return nil, apperr.Newf(apperr.InvalidInput, "unknown status %q", status)
	}
	err := repository.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		ok, err := s.licenses.SetStatus(ctx, tx, licenseID, status, s.Now())
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.licenses.GetByID(ctx, s.db, licenseID)
}

// ExpireDue flips every active license past its expiry to expired.
func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	return s.licenses.ExpireDue(ctx, s.db, s.Now())
}

// ProvisionRequest describes a license to create for a purchase.
type ProvisionRequest struct {
	Email     string
	Plan      string
	OrderRef  string
	ExpiresAt *time.Time
	KeyFormat string
}

// ProvisionResult is the created (or previously created) license.
type ProvisionResult struct {
	License    *model.License
	Entry      *model.LedgerEntry
	Idempotent bool
}

const keyAttempts = 5

// Provision creates a license on plan, grants its initial credits and
// records the grant in the ledger. A repeated order reference returns the
// license created the first time.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.New(apperr.InvalidInput, "a valid email is required")
	}
	plan, err := s.catalog.Get(req.Plan)
	if err != nil {
		return nil, err
	}
	if plan.Addon {
		return nil, apperr.Newf(apperr.InvalidInput, "%s is an add-on and cannot back a license", plan.Slug)
	}
	format := req.KeyFormat
	if format == "" {
		format = s.KeyFormat
	}

	if req.OrderRef != "" {
		l, err := s.licenses.GetByOrderRef(ctx, s.db, req.OrderRef)
		switch {
		case err == nil:
			return &ProvisionResult{License: l, Idempotent: true}, nil
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
	}

	now := s.Now()
	l := &model.License{
		Status:           model.LicenseActive,
		VariantSlug:      plan.Slug,
		Email:            email,
		CreditsTotal:     plan.Credits,
		CreditsMonthly:   plan.Credits,
		CreditsResetDate: plan.Period.Next(now),
		ActivationLimit:  max(plan.Activations, 1),
		CreatedAt:        model.At(now),
		UpdatedAt:        model.At(now),
	}
	if req.ExpiresAt != nil {
		l.ExpiresAt = model.AtPtr(*req.ExpiresAt)
	}
	if req.OrderRef != "" {
		l.OrderRef = &req.OrderRef
	}

	var entry *model.LedgerEntry
	err = repository.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		key, err := s.freeKey(ctx, tx, format)
		if err != nil {
			return err
		}
		l.Key = key
		if l.ID, err = s.licenses.Insert(ctx, tx, l); err != nil {
			return fmt.Errorf("insert license: %w", err)
		}

		entry = &model.LedgerEntry{
			LicenseKey:   l.Key,
			Type:         model.EntryGrantMonthly,
			Amount:       plan.Credits,
			BalanceAfter: l.Remaining(),
			RefType:      model.RefOrder,
			RefID:        req.OrderRef,
			Note:         "initial grant: " + plan.Slug,
			CreatedAt:    model.At(now),
		}
		if err := s.ledger.Append(ctx, tx, entry); err != nil {
			return fmt.Errorf("append ledger: %w", err)
		}
		if err := s.outbox.Ledger(ctx, tx, entry); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, events.New(events.LicenseProvisioned, l, now, map[string]any{
			"plan":             plan.Slug,
			"credits_total":    plan.Credits,
			"activation_limit": l.ActivationLimit,
		}))
	})
	if err != nil {
		if req.OrderRef != "" {
			// Lost a race on the same order; hand back the winner.
			if won, gerr := s.licenses.GetByOrderRef(ctx, s.db, req.OrderRef); gerr == nil {
				return &ProvisionResult{License: won, Idempotent: true}, nil
			}
		}
		return nil, err
	}

	s.log.Info("license provisioned",
		zap.Int64("license_id", l.ID),
		zap.String("plan", plan.Slug),
		zap.String("order_ref", req.OrderRef))
	return &ProvisionResult{License: l, Entry: entry}, nil
}

func (s *Service) freeKey(ctx context.Context, tx *sqlx.Tx, format string) (string, error) {
	for range keyAttempts {
		key, err := GenerateKey(format)
		if err != nil {
			return "", err
		}
		_, err = s.licenses.GetByKey(ctx, tx, key)
		if errors.Is(err, apperr.ErrInvalidLicense) {
			return key, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free license key after %d attempts", keyAttempts)
}
