package responder

import "container/heap"

// nonceHeap is a heap.Interface over account nonces, surfacing the lowest
// value first.
type nonceHeap []uint64

func (h nonceHeap) Len() int           { return len(h) }
func (h nonceHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nonceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *nonceHeap) Push(x interface{}) {
	*h = append(*h, x.(uint64))
}

func (h *nonceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// nonceAllocator hands out the signer's account nonces. Nonces released after
// a transaction provably never reached the chain are reused lowest-first
// before the frontier advances. A nonce consumed on chain must never be
// released.
type nonceAllocator struct {
	frontier uint64
	released nonceHeap
}

func newNonceAllocator(next uint64) *nonceAllocator {
	return &nonceAllocator{frontier: next}
}

// alloc returns the lowest nonce not currently assigned.
func (a *nonceAllocator) alloc() uint64 {
	if a.released.Len() > 0 {
		return heap.Pop(&a.released).(uint64)
	}
	n := a.frontier
	a.frontier++
	return n
}

// release returns an unused nonce to the allocator. Callers release a nonce
// at most once.
func (a *nonceAllocator) release(nonce uint64) {
	if nonce >= a.frontier {
		return
	}
	heap.Push(&a.released, nonce)
}

// advance moves the frontier past nonce, dropping released entries the chain
// has overtaken. Used when restoring previously issued transactions.
func (a *nonceAllocator) advance(nonce uint64) {
	if nonce+1 > a.frontier {
		a.frontier = nonce + 1
	}
	for a.released.Len() > 0 && a.released[0] <= nonce {
		heap.Pop(&a.released)
	}
}
