package model

// Activation is one (license, site) binding. Rows are flagged inactive,
// never deleted.
type Activation struct {
	ID             int64    `db:"id"              json:"id"`
	LicenseID      int64    `db:"license_id"      json:"license_id"`
	SiteURL        string   `db:"site_url"        json:"site_url"`
	SiteName       string   `db:"site_name"       json:"site_name"`
	ActivatedAt    UnixTime `db:"activated_at"    json:"activated_at"`
	LastCheckedAt  UnixTime `db:"last_checked_at" json:"last_checked_at"`
	IsActive       bool     `db:"is_active"       json:"is_active"`
	ClientVersion  string   `db:"client_version"  json:"client_version"`
	RuntimeVersion string   `db:"runtime_version" json:"runtime_version"`
	RequesterIP    string   `db:"requester_ip"    json:"-"`
}

// Versions carries the client-reported software versions sent on
// activation and heartbeat calls.
type Versions struct {
	Client  string `json:"client_version"`
	Runtime string `json:"runtime_version"`
}
