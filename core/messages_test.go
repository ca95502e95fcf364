package core

import "testing"

func TestMessageQueueFIFO(t *testing.T) {
	q := NewMessageQueue(4, DropNewest)
	q.Enqueue(InboundMessage{ConnID: 1})
	q.Enqueue(InboundMessage{ConnID: 2})
	first, ok := q.Dequeue()
	if !ok || first.ConnID != 1 {
		t.Fatal("expected FIFO order")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.Len())
	}
}

func TestMessageQueueDropNewestOnOverflow(t *testing.T) {
	q := NewMessageQueue(1, DropNewest)
	q.Enqueue(InboundMessage{ConnID: 1})
	if err := q.Enqueue(InboundMessage{ConnID: 2}); err != nil {
		t.Fatalf("DropNewest should not error: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected queue to stay at capacity 1, got %d", q.Len())
	}
	first, _ := q.Dequeue()
	if first.ConnID != 1 {
		t.Fatal("expected original message to be retained under DropNewest")
	}
}

func TestMessageQueueDropOldestOnOverflow(t *testing.T) {
	q := NewMessageQueue(1, DropOldest)
	q.Enqueue(InboundMessage{ConnID: 1})
	q.Enqueue(InboundMessage{ConnID: 2})
	first, _ := q.Dequeue()
	if first.ConnID != 2 {
		t.Fatal("expected newest message to replace oldest under DropOldest")
	}
}

func TestMessageQueueDisconnectOnOverflow(t *testing.T) {
	q := NewMessageQueue(1, DisconnectOnOverflow)
	q.Enqueue(InboundMessage{ConnID: 1})
	if err := q.Enqueue(InboundMessage{ConnID: 2}); err == nil {
		t.Fatal("expected error signaling caller should disconnect")
	}
}
