package shared

import "math"

const (
	defaultPerPage = 20
	maxPerPage     = 100
	// maxPage keeps Offset within an int32 at the largest page size.
	maxPage = math.MaxInt32 / maxPerPage
)

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int
	PerPage    int
	Total      int
	TotalPages int
}

// NewPagination computes pagination metadata.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	if page <= 0 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}

// Offset returns the number of rows preceding the current page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}
