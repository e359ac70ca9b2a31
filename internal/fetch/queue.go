package fetch

import "container/heap"

type item struct {
	req   Request
	score float64
	seq   uint64
	index int
}

// queue orders pending requests: shallow tiles first so ancestors are
// available to blend from, then hot regions, then submission order.
type queue []*item

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if da, db := a.req.depth(), b.req.depth(); da != db {
		return da < db
	}
	if a.score != b.score {
		return a.score > b.score
	}
	return a.seq < b.seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *queue) remove(it *item) {
	if it.index >= 0 {
		heap.Remove(q, it.index)
	}
}
