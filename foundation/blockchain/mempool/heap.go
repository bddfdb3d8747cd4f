package mempool

import (
	"time"

	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// pqItem is one candidate for eviction.
type pqItem struct {
	hash       signature.Hash32
	feePerByte float64
	admitted   time.Time
}

// priorityQueue is a min-heap over pqItem ordered so Pop always
// returns the entry eviction should remove first: lowest fee/byte,
// oldest admission time breaking ties.
type priorityQueue []pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].feePerByte != pq[j].feePerByte {
		return pq[i].feePerByte < pq[j].feePerByte
	}
	return pq[i].admitted.Before(pq[j].admitted)
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(pqItem))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}
