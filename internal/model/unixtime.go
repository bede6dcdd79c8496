package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// UnixTime is a second-precision UTC timestamp persisted as a BIGINT of unix
// seconds. Nullable columns use *UnixTime.
type UnixTime struct {
	time.Time
}

func At(t time.Time) UnixTime {
	return UnixTime{Time: t.UTC().Truncate(time.Second)}
}

func AtPtr(t time.Time) *UnixTime {
	u := At(t)
	return &u
}

func (u UnixTime) Value() (driver.Value, error) {
	return u.Unix(), nil
}

func (u *UnixTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		u.Time = time.Time{}
		return nil
	case int64:
		u.Time = time.Unix(v, 0).UTC()
		return nil
	case []byte:
		return u.parse(string(v))
	case string:
		return u.parse(v)
	default:
		return fmt.Errorf("unixtime: unsupported scan type %T", src)
	}
}

func (u *UnixTime) parse(s string) error {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unixtime: %w", err)
	}
	u.Time = time.Unix(n, 0).UTC()
	return nil
}

func (u UnixTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Format(time.RFC3339))
}
