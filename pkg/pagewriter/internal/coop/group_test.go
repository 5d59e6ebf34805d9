package coop

import (
	"bytes"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRun_Phases(t *testing.T) {
	const lanes = 8

	var (
		phase1 atomic.Int64
		seen   [lanes]int64
	)

	Run(lanes, func(l *Lane) {
		phase1.Add(1)
		l.Sync()
		// Every lane must observe all phase-one writes after the barrier.
		seen[l.ID()] = phase1.Load()
	})

	for i, v := range seen {
		require.Equal(t, int64(lanes), v, "lane %d read before the barrier released", i)
	}
}

func TestRun_SingleLane(t *testing.T) {
	var calls int
	Run(0, func(l *Lane) {
		calls++
		require.Equal(t, 1, l.Size())
		require.True(t, l.Leader())
		require.Equal(t, 42, l.Sum(42))
	})
	require.Equal(t, 1, calls)
}

func TestLane_Sum(t *testing.T) {
	const lanes = 5

	results := make([]int, lanes)
	Run(lanes, func(l *Lane) {
		// Call Sum repeatedly to make sure scratch slots are safely reused.
		var last int
		for i := range 10 {
			last = l.Sum(l.ID() + i)
		}
		results[l.ID()] = last
	})

	// sum(id + 9) for id in [0, 5).
	for _, r := range results {
		require.Equal(t, 0+1+2+3+4+5*9, r)
	}
}

func TestLane_ExclusiveScan(t *testing.T) {
	const lanes = 4

	var (
		offsets = make([]int, lanes)
		totals  = make([]int, lanes)
	)
	Run(lanes, func(l *Lane) {
		offsets[l.ID()], totals[l.ID()] = l.ExclusiveScan((l.ID() + 1) * 10)
	})

	require.Equal(t, []int{0, 10, 30, 60}, offsets)
	require.Equal(t, []int{100, 100, 100, 100}, totals)
}

func TestLane_Strip(t *testing.T) {
	tt := []struct {
		n, lanes int
	}{
		{0, 4},
		{3, 4},
		{10, 3},
		{128, 4},
		{5000, 7},
	}

	for _, tc := range tt {
		next := 0
		for id := range tc.lanes {
			start, end := stripOf(id, tc.lanes, tc.n)
			require.Equal(t, next, start, "strips must be contiguous")
			require.GreaterOrEqual(t, end, start)
			next = end
		}
		require.Equal(t, tc.n, next, "strips must cover the range")
	}
}

func TestRun_PanicUnwindsPeers(t *testing.T) {
	require.PanicsWithValue(t, "lane failure", func() {
		Run(4, func(l *Lane) {
			if l.ID() == 2 {
				panic("lane failure")
			}
			// The other lanes would wait forever without the broken barrier.
			l.Sync()
			l.Sync()
		})
	})
}

func TestBlockCopy(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))

	for _, size := range []int{0, 10, copyBlockSize, 5*copyBlockSize + 17} {
		src := make([]byte, size)
		_, _ = rnd.Read(src)

		dst := make([]byte, size)
		n := BlockCopy(dst, src, 4)
		require.Equal(t, size, n)
		require.True(t, bytes.Equal(src, dst))
	}
}
