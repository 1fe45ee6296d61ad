package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/spimex-pipeline/internal/config"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// params types query-string values, collecting the first error.
type params struct {
	values url.Values
	err    error
}

func newParams(r *http.Request) *params {
	return &params{values: r.URL.Query()}
}

func (p *params) str(name string) string {
	return strings.TrimSpace(p.values.Get(name))
}

func (p *params) integer(name string, fallback int) int {
	raw := p.str(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(fmt.Errorf("%s must be an integer", name))
		return fallback
	}
	return v
}

func (p *params) date(name string) time.Time {
	raw := p.str(name)
	if raw == "" {
		return time.Time{}
	}
	d, err := time.ParseInLocation(trading.ISODateLayout, raw, time.UTC)
	if err != nil {
		p.fail(fmt.Errorf("%s must be a YYYY-MM-DD date", name))
		return time.Time{}
	}
	return d
}

// pageLimitHeader reports the page size actually applied after clamping to api.max_limit.
const pageLimitHeader = "X-Page-Limit"

func setPageLimit(w http.ResponseWriter, limit int) {
	w.Header().Set(pageLimitHeader, strconv.Itoa(limit))
}

// limit defaults and clamps the page size.
func (p *params) limit(limits config.APIConfig) int {
	limit := p.integer("limit", limits.DefaultLimit)
	if limit <= 0 {
		limit = limits.DefaultLimit
	}
	return min(limit, limits.MaxLimit)
}

func (p *params) page(limits config.APIConfig) trading.Page {
	return trading.Page{
		Limit: p.limit(limits),
		Skip:  max(p.integer("skip", 0), 0),
	}
}

func (p *params) resultsFilter() trading.ResultsFilter {
	return trading.ResultsFilter{
		OilID:           p.str("oil_id"),
		DeliveryTypeID:  p.str("delivery_type_id"),
		DeliveryBasisID: p.str("delivery_basis_id"),
	}
}

func (p *params) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

// failed writes a 400 for the first typing error.
func (p *params) failed(s *Server, w http.ResponseWriter) bool {
	if p.err == nil {
		return false
	}
	s.writeError(w, http.StatusBadRequest, p.err.Error())
	return true
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
