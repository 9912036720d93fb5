package core

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kynesim/kbus/pkg/kbus/types"
)

func msg(data string) *types.Message {
	return types.NewEntire(types.Header{}, "$.A.B", []byte(data))
}

func TestQueueFIFOAndCapacity(t *testing.T) {
	q := NewQueue(2)
	if !q.Enqueue(msg("a"), false) {
		t.Fatal("expected room for the first item")
	}
	if !q.Enqueue(msg("b"), false) {
		t.Fatal("expected room for the second item")
	}
	if q.Enqueue(msg("c"), false) {
		t.Fatal("expected the queue to reject a third item over capacity")
	}
	if got := q.Pop(); string(got.Data()) != "a" {
		t.Errorf("Pop() = %q, want a", got.Data())
	}
}

func TestQueueUrgentInsertsAtHead(t *testing.T) {
	q := NewQueue(10)
	q.Enqueue(msg("a"), false)
	q.Enqueue(msg("b"), false)
	q.Enqueue(msg("urgent"), true)

	if got := q.Pop(); string(got.Data()) != "urgent" {
		t.Fatalf("Pop() = %q, want urgent first", got.Data())
	}
	if got := q.Pop(); string(got.Data()) != "a" {
		t.Errorf("Pop() = %q, want a second", got.Data())
	}
}

func TestQueueWaitRoomUnblocksOnPop(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := NewQueue(1)
	q.Enqueue(msg("a"), false)

	done := make(chan struct{})
	ok := make(chan bool, 1)
	go func() {
		ok <- q.WaitRoom(done)
	}()

	select {
	case <-ok:
		t.Fatal("WaitRoom returned before the queue had room")
	case <-time.After(30 * time.Millisecond):
	}

	q.Pop()

	select {
	case got := <-ok:
		if !got {
			t.Error("WaitRoom() = false, want true once the queue drained")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitRoom never unblocked")
	}
}

func TestQueueWaitRoomCancelledByDone(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := NewQueue(1)
	q.Enqueue(msg("a"), false)

	done := make(chan struct{})
	ok := make(chan bool, 1)
	go func() {
		ok <- q.WaitRoom(done)
	}()

	close(done)

	select {
	case got := <-ok:
		if got {
			t.Error("WaitRoom() = true, want false once cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitRoom never observed cancellation")
	}
}
