// Package coop runs cooperative groups: a fixed number of goroutine lanes
// that step through the same sequence of phases, separated by a shared
// barrier.
//
// Lanes communicate only through memory owned by the caller's closure (the
// group's workspace) and through the reduction helpers on [Lane]. Any read of
// data written by another lane in the same phase must be preceded by a call
// to [Lane.Sync].
package coop

import (
	"errors"
	"sync"
)

var errBroken = errors.New("coop: barrier broken by a panicking lane")

// Group holds the state shared by the lanes of one cooperative group.
type Group struct {
	size     int
	barrier  barrier
	partials []int
}

// Lane is one member of a running [Group]. A Lane must only be used from the
// goroutine it was handed to.
type Lane struct {
	id int
	g  *Group
}

// Run executes fn on size lanes concurrently and returns once every lane has
// returned. Each lane must call [Lane.Sync] (directly or through the
// reduction helpers) the same number of times, otherwise the group deadlocks.
//
// If a lane panics, the barrier is broken so that the remaining lanes unwind,
// and the first panic value is re-raised on the caller's goroutine.
func Run(size int, fn func(l *Lane)) {
	if size < 1 {
		size = 1
	}

	g := &Group{
		size:     size,
		partials: make([]int, size),
	}
	g.barrier.init(size)

	if size == 1 {
		fn(&Lane{id: 0, g: g})
		return
	}

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first any
	)

	wg.Add(size)
	for i := range size {
		go func() {
			defer wg.Done()
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if err, ok := r.(error); !ok || !errors.Is(err, errBroken) {
					once.Do(func() { first = r })
				}
				g.barrier.breakAll()
			}()

			fn(&Lane{id: i, g: g})
		}()
	}
	wg.Wait()

	if first != nil {
		panic(first)
	}
}

// ID returns the index of the lane within its group.
func (l *Lane) ID() int { return l.id }

// Size returns the number of lanes in the group.
func (l *Lane) Size() int { return l.g.size }

// Leader reports whether l is the designated lane of the group. Writes that
// advance a shared cursor are performed by the leader only.
func (l *Lane) Leader() bool { return l.id == 0 }

// Sync blocks until every lane of the group has called Sync.
func (l *Lane) Sync() { l.g.barrier.wait() }

// Strip returns the half-open range of [0, n) owned by the lane. Strips are
// contiguous and ordered by lane ID, so concatenating the strips of all lanes
// yields [0, n) in order.
func (l *Lane) Strip(n int) (start, end int) {
	return stripOf(l.id, l.g.size, n)
}

func stripOf(id, size, n int) (start, end int) {
	per := n / size
	rem := n % size

	start = id*per + min(id, rem)
	end = start + per
	if id < rem {
		end++
	}
	return start, end
}

// Sum returns the sum of v across all lanes. Every lane receives the same
// result.
//
// Sum is the second level of a two-level reduction: lanes first reduce their
// own strip sequentially, then combine the partial results through the
// group's scratch slots.
func (l *Lane) Sum(v int) int {
	l.g.partials[l.id] = v
	l.Sync()

	var total int
	for _, p := range l.g.partials {
		total += p
	}
	l.Sync() // partials may be reused once everyone has read them.
	return total
}

// ExclusiveScan returns the sum of v over all lanes with a lower ID than l,
// along with the total over all lanes.
func (l *Lane) ExclusiveScan(v int) (offset, total int) {
	l.g.partials[l.id] = v
	l.Sync()

	for i, p := range l.g.partials {
		if i < l.id {
			offset += p
		}
		total += p
	}
	l.Sync()
	return offset, total
}

// barrier is a reusable phase barrier. Waiters of phase n are released when
// the last lane arrives; the barrier then moves to phase n+1.
type barrier struct {
	mu   sync.Mutex
	cond *sync.Cond

	size    int
	arrived int
	phase   uint64
	broken  bool
}

func (b *barrier) init(size int) {
	b.size = size
	b.cond = sync.NewCond(&b.mu)
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.broken {
		panic(errBroken)
	}

	phase := b.phase
	b.arrived++
	if b.arrived == b.size {
		b.arrived = 0
		b.phase++
		b.cond.Broadcast()
		return
	}

	for phase == b.phase && !b.broken {
		b.cond.Wait()
	}
	if b.broken {
		panic(errBroken)
	}
}

func (b *barrier) breakAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.broken = true
	b.cond.Broadcast()
}
