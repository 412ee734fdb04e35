package channel

import (
	"fmt"
	"math"
	"sync"
)

// MaxSequenceNumber is the largest sequence number on the wire. The
// next number after it is 1, never 0.
const MaxSequenceNumber = math.MaxUint32

// sendSequence issues outbound sequence numbers for one channel
// direction. Safe for concurrent use; numbers are issued strictly in
// order.
type sendSequence struct {
	mu   sync.Mutex
	last uint32
}

// Next atomically increments and returns the outbound counter,
// wrapping from MaxSequenceNumber to 1.
func (s *sendSequence) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == MaxSequenceNumber {
		s.last = 1
	} else {
		s.last++
	}
	return s.last
}

// recvSequence validates inbound sequence continuity for one channel
// direction. Driven by the transport's single reader; the channel
// serializes access.
type recvSequence struct {
	last uint32
}

// Accept checks that n is exactly the successor of the last accepted
// number. The first number on a fresh channel must be 1.
func (s *recvSequence) Accept(n uint32) error {
	want := s.last + 1
	if s.last == MaxSequenceNumber {
		want = 1
	}
	if n != want {
		return fmt.Errorf("%w: got %d, want %d", ErrSequenceNumberMismatch, n, want)
	}
	s.last = n
	return nil
}
