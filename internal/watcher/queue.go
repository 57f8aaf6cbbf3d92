package watcher

import "container/heap"

// entry is one queued task: rank orders by urgency, seq preserves arrival
// order among equals.
type entry struct {
	rank int
	seq  uint64
	id   string
	task *Task
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a stable priority queue over tasks. Each task id is admitted at
// most once per queue lifetime; later appearances of a seen id are ignored.
type Queue struct {
	heap    entryHeap
	nextSeq uint64
	seen    map[string]bool
}

// NewQueue returns an empty queue. Ids in preseen count as already seen and
// will never be admitted; callers preload terminal ids so a reappearing
// completed task is rejected instead of reprocessed.
func NewQueue(preseen ...string) *Queue {
	q := &Queue{seen: make(map[string]bool, len(preseen))}
	for _, id := range preseen {
		q.seen[id] = true
	}
	return q
}

// Push admits the task unless its id was already seen. Returns the arrival
// sequence assigned to the task and whether it was enqueued.
func (q *Queue) Push(t *Task) (uint64, bool) {
	if q.seen[t.TaskID] {
		return 0, false
	}
	q.seen[t.TaskID] = true
	seq := q.nextSeq
	heap.Push(&q.heap, &entry{
		rank: PriorityRank(t.Payload.Urgency),
		seq:  seq,
		id:   t.TaskID,
		task: t,
	})
	q.nextSeq++
	return seq, true
}

// Requeue puts a previously popped task back without the seen-set check,
// keeping its original position semantics by assigning a fresh sequence.
func (q *Queue) Requeue(t *Task) {
	heap.Push(&q.heap, &entry{
		rank: PriorityRank(t.Payload.Urgency),
		seq:  q.nextSeq,
		id:   t.TaskID,
		task: t,
	})
	q.nextSeq++
}

// Pop removes and returns the highest-priority task, or nil when empty.
func (q *Queue) Pop() *Task {
	if len(q.heap) == 0 {
		return nil
	}
	e := heap.Pop(&q.heap).(*entry)
	return e.task
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.heap)
}

// Seen reports whether the id was ever admitted or preloaded.
func (q *Queue) Seen(id string) bool {
	return q.seen[id]
}
