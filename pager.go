package portalgo

// MaxPageSize is the most records a single paginated request may return.
const MaxPageSize = 100

// Page is one fetched page plus the continuation cursor.
type Page[T any] struct {
	Results   []T
	NextStart int
}

// PageFunc fetches one page of at most num records starting at the 1-based
// cursor start.
type PageFunc[T any] func(start, num int) (Page[T], error)

// Collect drives fetch from cursor 1 until num records have accumulated or
// the server reports exhaustion with a non-positive cursor. It is blind to
// what it pages over; items, groups and users all collect identically.
//
// A fetch failure propagates as-is; no partial results are returned.
func Collect[T any](fetch PageFunc[T], num int) ([]T, error) {
	if num <= 0 {
		return nil, nil
	}
	var out []T
	start := 1
	for len(out) < num {
		size := num - len(out)
		if size > MaxPageSize {
			size = MaxPageSize
		}
		page, err := fetch(start, size)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Results...)
		if page.NextStart <= 0 || page.NextStart <= start {
			break
		}
		start = page.NextStart
	}
	if len(out) > num {
		out = out[:num]
	}
	return out, nil
}
