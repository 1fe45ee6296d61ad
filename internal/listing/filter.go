package listing

import "github.com/JakeFAU/spimex-pipeline/internal/trading"

// Filtered counts links dropped from a page.
type Filtered struct {
	Stale      int
	Malformed  int
	Incomplete int
}

// FilterLinks keeps valid links in page order.
func FilterLinks(links []trading.Link, minYear int) ([]trading.Link, Filtered) {
	var (
		kept     []trading.Link
		filtered Filtered
	)
	for _, link := range links {
		switch link.Classify(minYear) {
		case trading.LinkValid:
			kept = append(kept, link)
		case trading.LinkStale:
			filtered.Stale++
		case trading.LinkMalformed:
			filtered.Malformed++
		default:
			filtered.Incomplete++
		}
	}
	return kept, filtered
}
