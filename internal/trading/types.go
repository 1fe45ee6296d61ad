// Package trading defines the domain types shared by the pipeline stages and the API.
package trading

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TableName is the relational table holding loaded trading results.
const TableName = "spimex_spimextradingresults"

// DateLayout is the dd.mm.yyyy form used on listing pages, in checkpoint files and in file names.
const DateLayout = "02.01.2006"

// ISODateLayout is the date form used by the API.
const ISODateLayout = "2006-01-02"

// Result is one row of exchange-reported volume, value and contract count for a product on a date.
type Result struct {
	ExchangeProductID   string    `json:"exchange_product_id"`
	ExchangeProductName string    `json:"exchange_product_name"`
	OilID               string    `json:"oil_id"`
	DeliveryBasisID     string    `json:"delivery_basis_id"`
	DeliveryBasisName   string    `json:"delivery_basis_name"`
	DeliveryTypeID      string    `json:"delivery_type_id"`
	Volume              int64     `json:"volume"`
	Total               int64     `json:"total"`
	Count               int64     `json:"count"`
	Date                time.Time `json:"date"`
	CreatedOn           time.Time `json:"created_on"`
	UpdatedOn           time.Time `json:"updated_on"`
}

// ErrMissingField reports a row lacking a required column value.
var ErrMissingField = errors.New("missing required field")

// Validate rejects rows that cannot be inserted.
func (r Result) Validate() error {
	switch {
	case strings.TrimSpace(r.ExchangeProductID) == "":
		return fmt.Errorf("exchange_product_id: %w", ErrMissingField)
	case strings.TrimSpace(r.ExchangeProductName) == "":
		return fmt.Errorf("exchange_product_name: %w", ErrMissingField)
	case strings.TrimSpace(r.OilID) == "":
		return fmt.Errorf("oil_id: %w", ErrMissingField)
	case r.Date.IsZero():
		return fmt.Errorf("date: %w", ErrMissingField)
	case r.Count <= 0:
		return fmt.Errorf("count must be > 0, got %d", r.Count)
	case r.Volume < 0 || r.Total < 0:
		return fmt.Errorf("volume and total must be >= 0")
	}
	return nil
}

// Link is a checkpoint row produced by the listing crawl.
type Link struct {
	TradeDate string
	URL       string
}

// Complete reports whether both the date and the link are present.
func (l Link) Complete() bool {
	return strings.TrimSpace(l.TradeDate) != "" && strings.TrimSpace(l.URL) != ""
}

// ParseDate parses a dd.mm.yyyy trade date into a UTC midnight time.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse trade date %q: %w", raw, err)
	}
	return t, nil
}
