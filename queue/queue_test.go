package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testEntries   = 4
	testEntrySize = 64
)

func newTestSQ(ringTail RingFunc) *SubmissionQueue {
	return NewSubmissionQueue(make([]byte, testEntries*testEntrySize), testEntries, testEntrySize, 1, ringTail)
}

func newTestCQ(ringHead RingFunc) *CompletionQueue {
	return NewCompletionQueue(make([]byte, testEntries*testEntrySize), testEntries, testEntrySize, 1, nil, ringHead)
}

func TestSQPostAndGetCommand(t *testing.T) {
	require := require.New(t)
	var rungTail uint32
	sq := newTestSQ(func(v uint32) { rungTail = v })

	cmd := make([]byte, testEntrySize)
	cmd[0] = 0xAB
	require.NoError(sq.PostCommand(cmd))
	require.Equal(uint32(1), rungTail)

	got, ok := sq.GetCommand()
	require.True(ok)
	require.Equal(byte(0xAB), got[0])

	_, ok = sq.GetCommand()
	require.False(ok)
}

func TestSQFullAfterEntriesMinusOne(t *testing.T) {
	require := require.New(t)
	sq := newTestSQ(nil)
	cmd := make([]byte, testEntrySize)

	for i := 0; i < testEntries-1; i++ {
		require.NoError(sq.PostCommand(cmd))
	}
	require.True(sq.IsFull())
	require.ErrorIs(sq.PostCommand(cmd), ErrQueueFull)
}

func TestSQWrapsAround(t *testing.T) {
	require := require.New(t)
	sq := newTestSQ(nil)
	cmd := make([]byte, testEntrySize)

	for i := 0; i < 2*(testEntries-1); i++ {
		require.NoError(sq.PostCommand(cmd))
		_, ok := sq.GetCommand()
		require.True(ok)
	}
	// Tail and head have each wrapped around at least once; queue must
	// still behave as empty.
	_, ok := sq.GetCommand()
	require.False(ok)
	require.False(sq.IsFull())
}

func TestCQPhaseFlipsOnWrap(t *testing.T) {
	require := require.New(t)
	cq := newTestCQ(nil)
	require.Equal(uint32(1), cq.Phase())

	for i := 0; i < testEntries; i++ {
		cq.ConsumeCompletion()
	}
	require.Equal(uint32(0), cq.Phase())
}

func TestCQPostRingsHeadOnConsume(t *testing.T) {
	require := require.New(t)
	var rungHead uint32 = 99
	cq := newTestCQ(func(v uint32) { rungHead = v })

	cqe := make([]byte, testEntrySize)
	require.NoError(cq.PostCompletion(cqe))
	cq.ConsumeCompletion()
	require.Equal(uint32(1), rungHead)
}

func TestRegistryRoundRobinsIOQueues(t *testing.T) {
	require := require.New(t)
	reg := NewRegistry()

	adminSQ := NewSubmissionQueue(nil, testEntries, testEntrySize, 0, nil)
	adminCQ := NewCompletionQueue(nil, testEntries, testEntrySize, 0, nil, nil)
	reg.Add(adminSQ, adminCQ)

	sq1 := NewSubmissionQueue(nil, testEntries, testEntrySize, 1, nil)
	cq1 := NewCompletionQueue(nil, testEntries, testEntrySize, 1, nil, nil)
	reg.Add(sq1, cq1)

	sq2 := NewSubmissionQueue(nil, testEntries, testEntrySize, 2, nil)
	cq2 := NewCompletionQueue(nil, testEntries, testEntrySize, 2, nil, nil)
	reg.Add(sq2, cq2)

	require.ElementsMatch([]uint16{0, 1, 2}, reg.AllCQIDs())

	ids := map[uint16]bool{}
	for i := 0; i < 2; i++ {
		id, ok := reg.NextIOSQID()
		require.True(ok)
		ids[id] = true
	}
	require.Equal(map[uint16]bool{1: true, 2: true}, ids)

	reg.RemoveSQ(1)
	reg.RemoveCQ(1)
	_, ok := reg.GetByPair(1, 1)
	require.False(ok)

	_, ok = reg.GetBySQID(2)
	require.True(ok)
}

func TestRegistryAllPairsIncludesAdmin(t *testing.T) {
	require := require.New(t)
	reg := NewRegistry()

	adminSQ := NewSubmissionQueue(nil, testEntries, testEntrySize, 0, nil)
	adminCQ := NewCompletionQueue(nil, testEntries, testEntrySize, 0, nil, nil)
	reg.Add(adminSQ, adminCQ)

	sq1 := NewSubmissionQueue(nil, testEntries, testEntrySize, 1, nil)
	cq1 := NewCompletionQueue(nil, testEntries, testEntrySize, 1, nil, nil)
	reg.Add(sq1, cq1)

	pairs := reg.AllPairs()
	require.Len(pairs, 2)

	var sawAdmin bool
	for _, p := range pairs {
		if p.SQ.QID() == 0 && p.CQ.QID() == 0 {
			sawAdmin = true
		}
	}
	require.True(sawAdmin)
}
