// Package pagination splits the agenda into fixed-size pages and keeps track
// of which page is on screen.
package pagination

import "epdagenda/internal/model"

// DefaultPageSize matches what fits in the list panel of a 2.13" panel.
const DefaultPageSize = 3

// Page is a view over the current item list. It is recomputed every cycle.
type Page struct {
	Items []model.DisplayItem
	Index int // zero-based
	Count int // always >= 1
}

// Empty reports whether the page has nothing to list.
func (p Page) Empty() bool { return len(p.Items) == 0 }

// PageCount returns max(1, ceil(n/size)).
func PageCount(n, size int) int {
	if size <= 0 {
		size = DefaultPageSize
	}
	if n <= 0 {
		return 1
	}
	return (n + size - 1) / size
}

// Paginator holds the active page index. It is not safe for concurrent use;
// the render loop owns it.
type Paginator struct {
	size  int
	index int
	count int
}

func New(size int) *Paginator {
	if size <= 0 {
		size = DefaultPageSize
	}
	return &Paginator{size: size, count: 1}
}

func (p *Paginator) Size() int { return p.size }

// Index returns the active page index.
func (p *Paginator) Index() int { return p.index }

// Advance moves to the next page, wrapping to 0 after the last page seen by
// CurrentPage.
func (p *Paginator) Advance() {
	p.index = (p.index + 1) % p.count
}

// Reset returns to the first page.
func (p *Paginator) Reset() {
	p.index = 0
}

// CurrentPage slices items for the active page. When the list shrank since
// the previous call the index is clamped to the last page instead of jumping
// back to the first.
func (p *Paginator) CurrentPage(items []model.DisplayItem) Page {
	p.count = PageCount(len(items), p.size)
	if p.index >= p.count {
		p.index = p.count - 1
	}

	start := p.index * p.size
	end := start + p.size
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	page := make([]model.DisplayItem, end-start)
	copy(page, items[start:end])
	return Page{Items: page, Index: p.index, Count: p.count}
}
