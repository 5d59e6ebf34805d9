package coop

import "golang.org/x/sync/errgroup"

// copyBlockSize is the smallest block handed to a copy lane. Copies shorter
// than two blocks are done inline.
const copyBlockSize = 64 << 10

// BlockCopy copies src into dst using up to lanes concurrent block copies. It
// returns the number of bytes copied, which is min(len(dst), len(src)).
// dst and src must not overlap.
func BlockCopy(dst, src []byte, lanes int) int {
	n := min(len(dst), len(src))
	if lanes <= 1 || n < 2*copyBlockSize {
		return copy(dst, src[:n])
	}

	blocks := (n + copyBlockSize - 1) / copyBlockSize

	var g errgroup.Group
	g.SetLimit(lanes)
	for b := range blocks {
		g.Go(func() error {
			start := b * copyBlockSize
			end := min(start+copyBlockSize, n)
			copy(dst[start:end], src[start:end])
			return nil
		})
	}
	_ = g.Wait() // Copies never fail.
	return n
}
