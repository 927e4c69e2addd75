package mem

import "sort"

// iovaSpace hands out page-aligned ranges of the DSP address space,
// first fit.
type iovaSpace struct {
	base  uint32
	size  uint32
	page  uint32
	inUse []iovaRange
}

type iovaRange struct {
	start, length uint32
}

func newIOVASpace(base, size, page uint32) *iovaSpace {
	return &iovaSpace{base: base, size: size, page: page}
}

func (s *iovaSpace) alloc(n int) (uint32, bool) {
	length := (uint32(n) + s.page - 1) / s.page * s.page
	if length == 0 {
		length = s.page
	}

	next := s.base
	for i, r := range s.inUse {
		if r.start-next >= length {
			s.insert(i, iovaRange{next, length})
			return next, true
		}
		next = r.start + r.length
	}
	if uint64(next)+uint64(length) > uint64(s.base)+uint64(s.size) {
		return 0, false
	}
	s.inUse = append(s.inUse, iovaRange{next, length})
	return next, true
}

func (s *iovaSpace) insert(i int, r iovaRange) {
	s.inUse = append(s.inUse, iovaRange{})
	copy(s.inUse[i+1:], s.inUse[i:])
	s.inUse[i] = r
}

func (s *iovaSpace) free(start uint32) {
	i := sort.Search(len(s.inUse), func(i int) bool { return s.inUse[i].start >= start })
	if i < len(s.inUse) && s.inUse[i].start == start {
		s.inUse = append(s.inUse[:i], s.inUse[i+1:]...)
	}
}
