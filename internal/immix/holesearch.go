package immix

import "github.com/mmtk/mmtk-core-sub000/internal/address"

// GetNextAvailableLines implements the hole search: starting
// from line index searchStart within b, skip lines whose mark byte equals
// either the current or previous line-mark-state snapshot (both count as
// "unavailable"), then consume every line up to the next unavailable line
// or the block's end. Returns ok=false once the block end is reached
// without finding any available line.
func (s *Space) GetNextAvailableLines(b Block, searchStart int) (start, end address.Address, ok bool) {
	current := s.LineMarkState()
	unavail := s.lineUnavail()

	i := searchStart
	for i < LinesInBlock && isUnavailable(s.lineMark.Load(b.LineStart(i)), current, unavail) {
		i++
	}
	if i >= LinesInBlock {
		return address.Zero, address.Zero, false
	}
	runStart := i
	for i < LinesInBlock && !isUnavailable(s.lineMark.Load(b.LineStart(i)), current, unavail) {
		i++
	}
	return b.LineStart(runStart), b.LineStart(i), true
}

func isUnavailable(mark uint64, current, unavail uint8) bool {
	return uint8(mark) == current || uint8(mark) == unavail
}

// MarkLinesForObject sets the line-mark byte to the current state for
// every line the object [start, end) touches, matching the
// mark_lines_for step of trace_object_without_moving.
func (s *Space) MarkLinesForObject(start, end address.Address) {
	current := uint64(s.LineMarkState())
	b := BlockOf(start)
	first := b.LineIndex(start)
	last := b.LineIndex(end.Sub(1))
	for i := first; i <= last; i++ {
		s.lineMark.Store(b.LineStart(i), current)
	}
}
