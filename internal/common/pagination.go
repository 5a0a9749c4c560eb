package common

import (
	"net/http"
	"strconv"
)

// Pagination is echoed next to list results.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalItems int `json:"total_items"`
}

// Offset is the row offset of the first item on the page.
func (p Pagination) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.PerPage
}

// ParsePagination reads ?page= and ?per_page= (or ?limit=). perPage is
// clamped to maxPerPage when maxPerPage is positive.
func ParsePagination(r *http.Request, defaultPerPage, maxPerPage int) Pagination {
	q := r.URL.Query()
	p := Pagination{Page: 1, PerPage: defaultPerPage}
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		p.Page = v
	}
	raw := q.Get("per_page")
	if raw == "" {
		raw = q.Get("limit")
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		p.PerPage = v
	}
	if maxPerPage > 0 && p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	return p
}
