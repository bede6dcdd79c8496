package model

import "time"

type CreditsPeriod string

const (
	PeriodMonth CreditsPeriod = "month"
	PeriodYear  CreditsPeriod = "year"
	PeriodOnce  CreditsPeriod = "once"
)

// Next returns the reset date following from, or nil for one-off
// allotments which never reset.
func (p CreditsPeriod) Next(from time.Time) *UnixTime {
	switch p {
	case PeriodMonth:
		return AtPtr(from.AddDate(0, 1, 0))
	case PeriodYear:
		return AtPtr(from.AddDate(1, 0, 0))
	default:
		return nil
	}
}

// Plan is a catalog entry (a product variant).
type Plan struct {
	Slug        string        `json:"slug"`
	Name        string        `json:"name"`
	Credits     int64         `json:"credits"`
	Period      CreditsPeriod `json:"credits_period"`
	Activations int           `json:"activations"`
	Price       float64       `json:"price"`
	Addon       bool          `json:"addon"`
}
