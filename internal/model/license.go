package model

import (
	"strings"
	"time"
)

type LicenseStatus string

const (
	LicenseActive    LicenseStatus = "active"
	LicenseInactive  LicenseStatus = "inactive"
	LicenseExpired   LicenseStatus = "expired"
	LicenseSuspended LicenseStatus = "suspended"
)

func (s LicenseStatus) String() string { return string(s) }

func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseActive, LicenseInactive, LicenseExpired, LicenseSuspended:
		return true
	}
	return false
}

// ParseLicenseStatus normalizes input. Returns (value, true) if valid.
func ParseLicenseStatus(s string) (LicenseStatus, bool) {
	st := LicenseStatus(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

// License is the DB entity persisted in the licenses table.
type License struct {
	ID               int64         `db:"id"               json:"id"`
	Key              string        `db:"license_key"      json:"license_key"`
	Status           LicenseStatus `db:"status"           json:"status"`
	VariantSlug      string        `db:"variant_slug"     json:"variant_slug"`
	Email            string        `db:"email"            json:"email"`
	CreditsTotal     int64         `db:"credits_total"      json:"credits_total"`
	CreditsMonthly   int64         `db:"credits_monthly"    json:"credits_monthly"`
	CreditsExtra     int64         `db:"credits_extra"      json:"credits_extra"`
	CreditsUsedMonth int64         `db:"credits_used_month" json:"credits_used_month"`
	CreditsResetDate *UnixTime     `db:"credits_reset_date" json:"credits_reset_date,omitempty"`
	ExpiresAt        *UnixTime     `db:"expires_at"         json:"expires_at,omitempty"`
	ActivationLimit  int           `db:"activation_limit"   json:"activation_limit"`
	ActivationCount  int           `db:"activation_count"   json:"activation_count"`
	SiteURL          *string       `db:"site_url"           json:"site_url,omitempty"`
	SiteUnlockAt     *UnixTime     `db:"site_unlock_at"     json:"site_unlock_at,omitempty"`
	NotifiedLevel    NotifyLevel   `db:"notified_level"     json:"-"`
	OrderRef         *string       `db:"order_ref"          json:"order_ref,omitempty"`
	CreatedAt        UnixTime      `db:"created_at"         json:"created_at"`
	UpdatedAt        UnixTime      `db:"updated_at"         json:"updated_at"`
}

// Remaining is the effective balance: the only quantity ever compared
// against a requested debit.
func (l *License) Remaining() int64 {
	return l.CreditsMonthly + l.CreditsExtra
}

// ExpiredAt reports whether the license has a set expiry at or before now.
func (l *License) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// NotifyLevel marks the most severe low-balance notification already sent
// in the current credit period.
type NotifyLevel int

const (
	NotifyNone     NotifyLevel = 0
	NotifyCritical NotifyLevel = 2
	NotifyDepleted NotifyLevel = 3
)
