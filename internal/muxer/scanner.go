package muxer

import "bytes"

// Scanner splits an Annex-B byte stream that arrives in arbitrary chunks
// into NAL units. Returned units have no start code and are owned by the caller.
type Scanner struct {
	buf   []byte
	start int // payload start of the pending NAL unit, -1 before the first start code
	pos   int // where the next search resumes
}

// NewScanner creates an empty scanner
func NewScanner() *Scanner {
	return &Scanner{start: -1}
}

// Push appends data and returns the NAL units completed by it
func (s *Scanner) Push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var out [][]byte
	i := s.pos
	for ; i+3 <= len(s.buf); i++ {
		if s.buf[i] != 0 || s.buf[i+1] != 0 || s.buf[i+2] != 1 {
			continue
		}
		if s.start >= 0 {
			if nalu := trimNALU(s.buf[s.start:i]); len(nalu) > 0 {
				out = append(out, nalu)
			}
		}
		s.start = i + 3
		i += 2
	}

	// Keep the last two bytes searchable: a start code may straddle chunks.
	s.pos = len(s.buf) - 2
	if s.pos < s.start {
		s.pos = s.start
	}
	if s.pos < 0 {
		s.pos = 0
	}
	s.compact()
	return out
}

// Flush returns the pending NAL unit at end of stream
func (s *Scanner) Flush() [][]byte {
	var out [][]byte
	if s.start >= 0 && s.start < len(s.buf) {
		if nalu := trimNALU(s.buf[s.start:]); len(nalu) > 0 {
			out = append(out, nalu)
		}
	}
	s.Reset()
	return out
}

// Reset discards all buffered data
func (s *Scanner) Reset() {
	s.buf = s.buf[:0]
	s.start = -1
	s.pos = 0
}

func (s *Scanner) compact() {
	cut := s.start
	if cut < 0 {
		// No start code yet: only the tail can still become one.
		cut = s.pos
	}
	if cut <= 0 {
		return
	}
	n := copy(s.buf, s.buf[cut:])
	s.buf = s.buf[:n]
	s.pos -= cut
	if s.start >= 0 {
		s.start -= cut
	}
}

// trimNALU copies a NAL unit without the zero byte of a following 4-byte start code
func trimNALU(b []byte) []byte {
	b = bytes.TrimRight(b, "\x00")
	return append([]byte(nil), b...)
}
