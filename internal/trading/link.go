package trading

// LinkStatus classifies a checkpoint row against the minimum year.
type LinkStatus int

// Link classifications.
const (
	LinkValid LinkStatus = iota
	LinkIncomplete
	LinkMalformed
	LinkStale
)

func (s LinkStatus) String() string {
	switch s {
	case LinkValid:
		return "valid"
	case LinkIncomplete:
		return "incomplete"
	case LinkMalformed:
		return "malformed"
	case LinkStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Classify reports whether l can be downloaded. Dates before minYear are stale.
func (l Link) Classify(minYear int) LinkStatus {
	if !l.Complete() {
		return LinkIncomplete
	}
	date, err := ParseDate(l.TradeDate)
	if err != nil {
		return LinkMalformed
	}
	if date.Year() < minYear {
		return LinkStale
	}
	return LinkValid
}
