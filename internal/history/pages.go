package history

import "time"

// Defaults for Paginate.
const (
	DefaultPageSpan   = 5 * time.Minute
	DefaultMinSpacing = 2500 * time.Millisecond
)

// Paginate groups entries (oldest first) into review pages. A page starts
// with an entry and covers every later entry until pageSpan has elapsed
// since that first entry; the next entry opens a new page. Within a page an
// entry is kept only if at least minSpacing passed since the previously
// kept one.
func Paginate(entries []Entry, pageSpan, minSpacing time.Duration) [][]Entry {
	var (
		pages     [][]Entry
		current   []Entry
		lastKept  time.Time
		pageStart time.Time
	)

	for i, e := range entries {
		if i == 0 {
			current = append(current, e)
			lastKept = e.CreatedAt
			pageStart = e.CreatedAt
			continue
		}

		if e.CreatedAt.Sub(pageStart) >= pageSpan {
			pages = append(pages, current)
			current = []Entry{e}
			pageStart = e.CreatedAt
			lastKept = e.CreatedAt
			continue
		}

		if e.CreatedAt.Sub(lastKept) >= minSpacing {
			current = append(current, e)
			lastKept = e.CreatedAt
		}
	}
	if len(current) > 0 {
		pages = append(pages, current)
	}
	return pages
}

// Page returns the 1-based page n of pages and whether a later page exists.
// Out of range pages are empty.
func Page(pages [][]Entry, n int) ([]Entry, bool) {
	if n < 1 || n > len(pages) {
		return []Entry{}, false
	}
	return pages[n-1], n < len(pages)
}
