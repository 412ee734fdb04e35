package channel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
)

func TestAssemblerSingleFinalChunk(t *testing.T) {
	a := newAssembler(4, 1024, 8)

	outcome, msg, err := a.Add(7, chunk.FlagFinal, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, outcome)
	assert.Equal(t, []byte("hello"), msg)
	assert.Equal(t, 0, a.PendingCount())
}

func TestAssemblerConcatenatesInOrder(t *testing.T) {
	a := newAssembler(4, 1024, 8)

	outcome, _, err := a.Add(1, chunk.FlagIntermediate, []byte("AB"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)

	outcome, _, err = a.Add(1, chunk.FlagIntermediate, []byte("CD"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)

	outcome, msg, err := a.Add(1, chunk.FlagFinal, []byte("EF"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, outcome)
	assert.Equal(t, []byte("ABCDEF"), msg)
	assert.Equal(t, 0, a.PendingCount())
}

func TestAssemblerInterleavedRequests(t *testing.T) {
	a := newAssembler(4, 1024, 8)

	_, _, err := a.Add(1, chunk.FlagIntermediate, []byte("1a"))
	require.NoError(t, err)
	_, _, err = a.Add(2, chunk.FlagIntermediate, []byte("2a"))
	require.NoError(t, err)
	assert.Equal(t, 2, a.PendingCount())

	_, msg2, err := a.Add(2, chunk.FlagFinal, []byte("2b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2a2b"), msg2)

	_, msg1, err := a.Add(1, chunk.FlagFinal, []byte("1b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1a1b"), msg1)
}

func TestAssemblerAbortDiscards(t *testing.T) {
	a := newAssembler(4, 1024, 8)

	_, _, err := a.Add(5, chunk.FlagIntermediate, []byte("partial"))
	require.NoError(t, err)

	outcome, msg, err := a.Add(5, chunk.FlagAbort, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, outcome)
	assert.Nil(t, msg)
	assert.Equal(t, 0, a.PendingCount())

	// The request id is reusable after an abort.
	_, msg, err = a.Add(5, chunk.FlagFinal, []byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), msg)
}

func TestAssemblerPendingLimit(t *testing.T) {
	a := newAssembler(2, 1024, 8)

	_, _, err := a.Add(1, chunk.FlagIntermediate, []byte("x"))
	require.NoError(t, err)
	_, _, err = a.Add(2, chunk.FlagIntermediate, []byte("x"))
	require.NoError(t, err)

	_, _, err = a.Add(3, chunk.FlagIntermediate, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReassemblyLimitExceeded))

	// Established requests are unaffected.
	_, msg, err := a.Add(1, chunk.FlagFinal, []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, []byte("xy"), msg)
}

func TestAssemblerSizeLimitDropsRequestOnly(t *testing.T) {
	a := newAssembler(4, 8, 8)

	_, _, err := a.Add(1, chunk.FlagIntermediate, []byte("12345"))
	require.NoError(t, err)

	_, _, err = a.Add(1, chunk.FlagIntermediate, []byte("67890"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReassemblyLimitExceeded))
	assert.Equal(t, 0, a.PendingCount(), "offending request state must be dropped")

	// Other traffic continues.
	_, msg, err := a.Add(2, chunk.FlagFinal, []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), msg)
}

func TestAssemblerChunkCountLimit(t *testing.T) {
	a := newAssembler(4, 1024, 2)

	_, _, err := a.Add(1, chunk.FlagIntermediate, []byte("a"))
	require.NoError(t, err)
	_, _, err = a.Add(1, chunk.FlagIntermediate, []byte("b"))
	require.NoError(t, err)

	_, _, err = a.Add(1, chunk.FlagFinal, []byte("c"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReassemblyLimitExceeded))
	assert.Equal(t, 0, a.PendingCount())
}

func TestAssemblerCopiesBodies(t *testing.T) {
	a := newAssembler(4, 1024, 8)

	buf := []byte("AB")
	_, _, err := a.Add(1, chunk.FlagIntermediate, buf)
	require.NoError(t, err)
	buf[0] = 'X'

	_, msg, err := a.Add(1, chunk.FlagFinal, []byte("CD"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCD"), msg)
}

func TestAssemblerReset(t *testing.T) {
	a := newAssembler(4, 1024, 8)

	_, _, err := a.Add(1, chunk.FlagIntermediate, []byte("x"))
	require.NoError(t, err)
	a.Reset()
	assert.Equal(t, 0, a.PendingCount())
}
