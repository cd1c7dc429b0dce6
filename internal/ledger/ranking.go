package ledger

import (
	"iter"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one supplier's position in the ranking.
type Entry struct {
	Position    int
	SupplierID  string
	Label       string
	Value       decimal.Decimal
	BidID       string
	BidSeq      uint64
	SubmittedAt time.Time
}

// Ranking is an immutable snapshot of suppliers ordered by their active bid,
// lowest value first, earliest sequence number breaking ties.
type Ranking struct {
	entries []Entry
}

func newRanking(entries []Entry) *Ranking {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.Value.Cmp(b.Value); c != 0 {
			return c
		}
		switch {
		case a.BidSeq < b.BidSeq:
			return -1
		case a.BidSeq > b.BidSeq:
			return 1
		}
		return 0
	})
	for i := range entries {
		entries[i].Position = i + 1
	}
	return &Ranking{entries: entries}
}

// Len returns the number of ranked suppliers.
func (r *Ranking) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Leader returns the first-ranked entry.
func (r *Ranking) Leader() (Entry, bool) {
	if r.Len() == 0 {
		return Entry{}, false
	}
	return r.entries[0], true
}

// All iterates entries in rank order.
func (r *Ranking) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		if r == nil {
			return
		}
		for _, e := range r.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Top returns at most n leading entries.
func (r *Ranking) Top(n int) []Entry {
	if r.Len() == 0 || n <= 0 {
		return nil
	}
	return slices.Clone(r.entries[:min(n, len(r.entries))])
}

// Entries returns a copy of every entry.
func (r *Ranking) Entries() []Entry {
	if r == nil {
		return nil
	}
	return slices.Clone(r.entries)
}

// Position returns the entry of supplierID.
func (r *Ranking) Position(supplierID string) (Entry, bool) {
	for e := range r.All() {
		if e.SupplierID == supplierID {
			return e, true
		}
	}
	return Entry{}, false
}
