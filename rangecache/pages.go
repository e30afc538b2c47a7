package rangecache

import (
	"fmt"
	"math/bits"
)

// DefaultPageSize is the page size used when none is configured.
const DefaultPageSize int64 = 64 << 10

// Gap is a page-aligned run of bytes that is not cached yet.
type Gap struct {
	Offset int64
	Length int64
}

// End returns the offset just past the gap.
func (g Gap) End() int64 {
	return g.Offset + g.Length
}

// PageStore tracks which fixed-size pages of a stream are present in the
// backing sink. It is not safe for concurrent use; Stream serializes access.
type PageStore struct {
	shift uint
	bits  []uint64

	limit      int64
	limitKnown bool
}

// NewPageStore creates a store for the given page size, which must be a
// positive power of two.
func NewPageStore(pageSize int64) (*PageStore, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("rangecache: page size %d is not a power of two", pageSize)
	}
	return &PageStore{shift: uint(bits.TrailingZeros64(uint64(pageSize)))}, nil
}

// PageSize returns the page size in bytes.
func (s *PageStore) PageSize() int64 {
	return 1 << s.shift
}

// SetLimit records the total stream length. A write reaching the limit then
// completes the final partial page.
func (s *PageStore) SetLimit(n int64) {
	s.limit = n
	s.limitKnown = true
}

// MarkCached marks every page fully covered by [offset, offset+length).
// A partially written page stays unmarked unless the write reaches the
// known end of the stream.
func (s *PageStore) MarkCached(offset, length int64) {
	if length <= 0 || offset < 0 {
		return
	}
	end := offset + length
	size := s.PageSize()

	first := (offset + size - 1) >> s.shift
	var last int64 // exclusive
	if s.limitKnown && end >= s.limit {
		last = (s.limit + size - 1) >> s.shift
	} else {
		last = end >> s.shift
	}

	for page := first; page < last; page++ {
		s.set(page)
	}
}

// IsCached reports whether page is present.
func (s *PageStore) IsCached(page int64) bool {
	if page < 0 {
		return false
	}
	word := page >> 6
	if word >= int64(len(s.bits)) {
		return false
	}
	return s.bits[word]&(1<<(uint64(page)&63)) != 0
}

// CachedPages returns the number of pages marked present.
func (s *PageStore) CachedPages() int {
	n := 0
	for _, w := range s.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// FindGaps returns the uncached runs overlapping [offset, offset+length),
// each expanded to page boundaries, with adjacent missing pages coalesced
// into one run.
func (s *PageStore) FindGaps(offset, length int64) []Gap {
	if length <= 0 || offset < 0 {
		return nil
	}

	size := s.PageSize()
	first := offset >> s.shift
	last := (offset + length - 1) >> s.shift // inclusive

	var gaps []Gap
	start := int64(-1)
	for page := first; page <= last; page++ {
		if s.IsCached(page) {
			if start >= 0 {
				gaps = append(gaps, Gap{Offset: start * size, Length: (page - start) * size})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = page
		}
	}
	if start >= 0 {
		gaps = append(gaps, Gap{Offset: start * size, Length: (last + 1 - start) * size})
	}
	return gaps
}

// CachedPrefix returns how many bytes starting at offset are covered by
// consecutive cached pages, capped at length.
func (s *PageStore) CachedPrefix(offset, length int64) int64 {
	if length <= 0 || offset < 0 {
		return 0
	}
	size := s.PageSize()
	page := offset >> s.shift
	var covered int64
	for covered < length && s.IsCached(page) {
		pageEnd := (page + 1) * size
		covered = pageEnd - offset
		page++
	}
	return min(covered, length)
}

func (s *PageStore) set(page int64) {
	word := page >> 6
	if word >= int64(len(s.bits)) {
		grown := make([]uint64, word+1)
		copy(grown, s.bits)
		s.bits = grown
	}
	s.bits[word] |= 1 << (uint64(page) & 63)
}
