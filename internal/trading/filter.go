package trading

import "time"

// ResultsFilter narrows results by product code parts. Empty fields do not filter.
type ResultsFilter struct {
	OilID           string
	DeliveryTypeID  string
	DeliveryBasisID string
}

// DynamicsFilter adds an inclusive date range. Zero times do not filter.
type DynamicsFilter struct {
	ResultsFilter
	StartDate time.Time
	EndDate   time.Time
}

// Page is an offset window.
type Page struct {
	Limit int
	Skip  int
}
