package model

type EntryType string

const (
	EntryGrantMonthly EntryType = "grant_monthly"
	EntryGrantExtra   EntryType = "grant_extra"
	EntryConsume      EntryType = "consume"
	EntryAdjust       EntryType = "adjust"
	EntryUpgrade      EntryType = "upgrade"
	EntryDowngrade    EntryType = "downgrade"
)

func (t EntryType) String() string { return string(t) }

// Ref types recorded on ledger entries.
const (
	RefOrder = "order"
	RefAdmin = "admin"
	RefCron  = "cron"
	RefAPI   = "api"
)

// LedgerEntry is an append-only row of ledger_entries.
type LedgerEntry struct {
	ID             int64     `db:"id"              json:"id"`
	LicenseKey     string    `db:"license_key"     json:"license_key"`
	Type           EntryType `db:"type"            json:"type"`
	Amount         int64     `db:"amount"          json:"amount"`
	BalanceAfter   int64     `db:"balance_after"   json:"balance_after"`
	RefType        string    `db:"ref_type"        json:"ref_type"`
	RefID          string    `db:"ref_id"          json:"ref_id"`
	Note           string    `db:"note"            json:"note"`
	IdempotencyKey *string   `db:"idempotency_key" json:"-"`
	CreatedAt      UnixTime  `db:"created_at"      json:"created_at"`
}

// Ref identifies who or what caused a balance mutation.
type Ref struct {
	Type string
	ID   string
	Note string
	// IdempotencyKey, when set, makes the ledger append (and the balance
	// mutation committed with it) happen at most once.
	IdempotencyKey string
}
