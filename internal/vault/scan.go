package vault

import "context"

// Scan is a paged cursor over matching entries. Next returns the next
// batch and nil once the scan is exhausted. A Scan is not safe for
// concurrent use.
type Scan struct {
	fetch func(ctx context.Context) ([]Entry, error)
	done  bool
}

// NewScan wraps a page-fetching function into a cursor. fetch returns
// an empty batch when no further rows match.
func NewScan(fetch func(ctx context.Context) ([]Entry, error)) *Scan {
	return &Scan{fetch: fetch}
}

// Next returns the next batch of entries, or nil when the scan is done.
func (s *Scan) Next(ctx context.Context) ([]Entry, error) {
	if s.done {
		return nil, nil
	}

	batch, err := s.fetch(ctx)
	if err != nil {
		s.done = true
		return nil, err
	}
	if len(batch) == 0 {
		s.done = true
		return nil, nil
	}
	return batch, nil
}
