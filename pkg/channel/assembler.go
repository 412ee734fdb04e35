package channel

import (
	"fmt"
	"sync"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
)

// Outcome reports what an inbound chunk produced.
type Outcome int

const (
	// OutcomePending indicates an intermediate chunk was accumulated.
	OutcomePending Outcome = iota

	// OutcomeComplete indicates a final chunk completed a message.
	OutcomeComplete

	// OutcomeAborted indicates the sender cancelled the message; the
	// accumulated fragments were discarded undelivered.
	OutcomeAborted
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "PENDING"
	case OutcomeComplete:
		return "COMPLETE"
	case OutcomeAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// assembler reassembles multi-chunk messages, keyed by request id.
// Fragments are concatenated in arrival order. Two limits bound the
// memory an abusive peer can pin: the number of concurrently
// accumulating requests and the accumulated bytes per request.
type assembler struct {
	mu sync.Mutex

	maxPending int
	maxSize    uint32
	maxChunks  int
	pending    map[uint32]*partialMessage
}

type partialMessage struct {
	fragments [][]byte
	size      uint32
	chunks    int
}

func newAssembler(maxPending int, maxSize uint32, maxChunks int) *assembler {
	return &assembler{
		maxPending: maxPending,
		maxSize:    maxSize,
		maxChunks:  maxChunks,
		pending:    make(map[uint32]*partialMessage),
	}
}

// Add feeds one verified chunk body into reassembly. The body is
// copied, so the caller may reuse its buffer.
//
// A limit violation returns ErrReassemblyLimitExceeded and discards
// only the offending request's state; the channel stays usable.
func (a *assembler) Add(requestID uint32, flag chunk.Flag, body []byte) (Outcome, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch flag {
	case chunk.FlagAbort:
		delete(a.pending, requestID)
		return OutcomeAborted, nil, nil

	case chunk.FlagIntermediate:
		p, ok := a.pending[requestID]
		if !ok {
			if len(a.pending) >= a.maxPending {
				return 0, nil, fmt.Errorf("%w: %d requests already accumulating",
					ErrReassemblyLimitExceeded, len(a.pending))
			}
			p = &partialMessage{}
			a.pending[requestID] = p
		}
		if err := a.accumulate(requestID, p, body); err != nil {
			return 0, nil, err
		}
		return OutcomePending, nil, nil

	case chunk.FlagFinal:
		p, ok := a.pending[requestID]
		if !ok {
			out := make([]byte, len(body))
			copy(out, body)
			return OutcomeComplete, out, nil
		}
		if err := a.accumulate(requestID, p, body); err != nil {
			return 0, nil, err
		}
		delete(a.pending, requestID)

		out := make([]byte, 0, p.size)
		for _, frag := range p.fragments {
			out = append(out, frag...)
		}
		return OutcomeComplete, out, nil

	default:
		return 0, nil, fmt.Errorf("%w: %#x", chunk.ErrInvalidChunkFlag, byte(flag))
	}
}

// accumulate appends body to p, enforcing per-request limits.
// On violation the request's state is dropped.
func (a *assembler) accumulate(requestID uint32, p *partialMessage, body []byte) error {
	if p.chunks+1 > a.maxChunks {
		delete(a.pending, requestID)
		return fmt.Errorf("%w: request %d exceeds %d chunks",
			ErrReassemblyLimitExceeded, requestID, a.maxChunks)
	}
	if p.size+uint32(len(body)) > a.maxSize {
		delete(a.pending, requestID)
		return fmt.Errorf("%w: request %d exceeds %d accumulated bytes",
			ErrReassemblyLimitExceeded, requestID, a.maxSize)
	}

	frag := make([]byte, len(body))
	copy(frag, body)
	p.fragments = append(p.fragments, frag)
	p.size += uint32(len(body))
	p.chunks++
	return nil
}

// PendingCount returns the number of requests currently accumulating.
func (a *assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Reset discards all accumulation state. Used on channel teardown:
// pending reassemblies die with the channel as a unit.
func (a *assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = make(map[uint32]*partialMessage)
}
