package common

import (
	"net/http"
	"strconv"
	"strings"
)

// Pagination is the page metadata attached to list responses.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// NewPagination fills in TotalPages.
func NewPagination(page, perPage, total int) Pagination {
	p := Pagination{Page: page, PerPage: perPage, TotalItems: total}
	if perPage > 0 {
		p.TotalPages = (total + perPage - 1) / perPage
	}
	return p
}

// ParsePagination reads ?page= (1-based) and ?per_page= or ?limit=, capping
// the page size at maxPerPage.
func ParsePagination(r *http.Request, defaultPerPage, maxPerPage int) (page, perPage int) {
	page = QueryInt(r, "page", 1, 1, 0)
	key := "per_page"
	if r.URL.Query().Get(key) == "" {
		key = "limit"
	}
	perPage = QueryInt(r, key, defaultPerPage, 1, maxPerPage)
	return page, perPage
}

// Offset converts a 1-based page into a row offset.
func Offset(page, perPage int) int {
	if page < 1 || perPage < 1 {
		return 0
	}
	return (page - 1) * perPage
}

// QueryInt reads an integer query parameter. Missing, malformed or
// below-minimum values yield def; values above max (when max > 0) are capped.
func QueryInt(r *http.Request, key string, def, minimum, maximum int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < minimum {
		return def
	}
	if maximum > 0 && v > maximum {
		return maximum
	}
	return v
}
