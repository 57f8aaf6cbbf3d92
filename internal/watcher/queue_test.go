package watcher

import (
	"fmt"
	"testing"
)

func task(id, urgency string) *Task {
	return &Task{TaskID: id, Payload: Payload{Urgency: urgency, Task: "do " + id}}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := NewQueue()
	// Arrival order deliberately scrambled.
	q.Push(task("t-low", UrgencyLow))
	q.Push(task("t-med", UrgencyMedium))
	q.Push(task("t-urgent", UrgencyUrgent))
	q.Push(task("t-high", UrgencyHigh))

	want := []string{"t-urgent", "t-high", "t-med", "t-low"}
	for _, id := range want {
		got := q.Pop()
		if got == nil || got.TaskID != id {
			t.Fatalf("pop = %v, want %s", got, id)
		}
	}
	if q.Pop() != nil {
		t.Fatal("expected empty queue")
	}
}

func TestQueue_StableWithinPriority(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 10; i++ {
		q.Push(task(fmt.Sprintf("t-%d", i), UrgencyHigh))
	}
	for i := 0; i < 10; i++ {
		got := q.Pop()
		if got.TaskID != fmt.Sprintf("t-%d", i) {
			t.Fatalf("pop %d = %s, arrival order not preserved", i, got.TaskID)
		}
	}
}

func TestQueue_DedupeBySeenSet(t *testing.T) {
	q := NewQueue()
	if _, ok := q.Push(task("t-1", UrgencyHigh)); !ok {
		t.Fatal("first push rejected")
	}
	if _, ok := q.Push(task("t-1", UrgencyHigh)); ok {
		t.Fatal("duplicate push admitted")
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
	// Still deduped after the task was popped.
	q.Pop()
	if _, ok := q.Push(task("t-1", UrgencyHigh)); ok {
		t.Fatal("popped id re-admitted")
	}
}

func TestQueue_PreseenIDsRejected(t *testing.T) {
	q := NewQueue("t-done")
	if _, ok := q.Push(task("t-done", UrgencyUrgent)); ok {
		t.Fatal("preseen id admitted")
	}
	if !q.Seen("t-done") {
		t.Fatal("preseen id not reported as seen")
	}
}

func TestQueue_PushAssignsArrivalSeq(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 3; i++ {
		seq, ok := q.Push(task(fmt.Sprintf("t-%d", i), UrgencyHigh))
		if !ok || seq != uint64(i) {
			t.Fatalf("push %d = (%d, %v), want (%d, true)", i, seq, ok, i)
		}
	}
}

func TestQueue_UnknownUrgencyRanksMedium(t *testing.T) {
	q := NewQueue()
	q.Push(task("t-low", UrgencyLow))
	q.Push(task("t-odd", "whenever"))
	q.Push(task("t-high", UrgencyHigh))

	want := []string{"t-high", "t-odd", "t-low"}
	for _, id := range want {
		if got := q.Pop(); got.TaskID != id {
			t.Fatalf("pop = %s, want %s", got.TaskID, id)
		}
	}
}

func TestQueue_RequeueSkipsSeenCheck(t *testing.T) {
	q := NewQueue()
	tk := task("t-1", UrgencyHigh)
	q.Push(tk)
	popped := q.Pop()
	q.Requeue(popped)
	if q.Len() != 1 {
		t.Fatalf("len = %d after requeue, want 1", q.Len())
	}
	if got := q.Pop(); got.TaskID != "t-1" {
		t.Fatalf("pop = %s, want t-1", got.TaskID)
	}
}
