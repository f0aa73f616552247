package sshterminal

import "sync"

// DefaultScrollbackSize is how much recent output each terminal keeps for
// replay (256 KiB).
const DefaultScrollbackSize = 256 * 1024

// scrollbackBuffer keeps the most recent output of a terminal. When it grows
// past maxLen, older data is trimmed from the front.
type scrollbackBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

func newScrollbackBuffer(maxLen int) *scrollbackBuffer {
	if maxLen <= 0 {
		maxLen = DefaultScrollbackSize
	}
	return &scrollbackBuffer{maxLen: maxLen}
}

func (s *scrollbackBuffer) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p) >= s.maxLen {
		s.data = append(s.data[:0], p[len(p)-s.maxLen:]...)
		return
	}
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		// Copy down instead of reslicing so the backing array does not grow
		// without bound.
		n := copy(s.data, s.data[len(s.data)-s.maxLen:])
		s.data = s.data[:n]
	}
}

// Snapshot returns a copy of the buffered output.
func (s *scrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func (s *scrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
