package message

import (
	"errors"
	"math/rand"
	"sort"
	"testing"
)

func TestQueuePriorityScenario(t *testing.T) {
	q := NewQueue(10)
	order := []Priority{PriorityMedium, PriorityHigh, PriorityLow, PriorityHigh}
	for i, p := range order {
		m := NewBuilder().Priority(p).Build()
		m.Properties = map[string]any{"i": i}
		if err := q.Push(m); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	want := []struct {
		p Priority
		i int
	}{
		{PriorityHigh, 1},
		{PriorityHigh, 3},
		{PriorityMedium, 0},
		{PriorityLow, 2},
	}
	for n, w := range want {
		m, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue empty", n)
		}
		if m.Priority != w.p {
			t.Fatalf("Pop %d: priority %v, want %v", n, m.Priority, w.p)
		}
		if got := m.Properties["i"].(int); got != w.i {
			t.Fatalf("Pop %d: insertion index %d, want %d", n, got, w.i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on empty queue returned a message")
	}
}

func TestQueueStableByPriorityDescending(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := NewQueue(1000)
	type rec struct {
		p Priority
		i int
	}
	var pushed []rec
	for i := 0; i < 500; i++ {
		p := Priority(rng.Intn(5))
		m := NewBuilder().Priority(p).Build()
		m.Properties = map[string]any{"i": i}
		if err := q.Push(m); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
		pushed = append(pushed, rec{p, i})
	}
	sort.SliceStable(pushed, func(a, b int) bool {
		return pushed[a].p > pushed[b].p
	})
	for n, w := range pushed {
		m, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue empty", n)
		}
		if m.Priority != w.p || m.Properties["i"].(int) != w.i {
			t.Fatalf("Pop %d: got (%v,%v), want (%v,%d)", n, m.Priority, m.Properties["i"], w.p, w.i)
		}
	}
}

func TestQueueOverflow(t *testing.T) {
	q := NewQueue(2)
	for i := 0; i < 2; i++ {
		if err := q.Push(NewBuilder().Build()); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if err := q.Push(NewBuilder().Build()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Push over capacity: %v, want ErrQueueFull", err)
	}
	if q.Len() != 2 {
		t.Fatalf("Len after rejected push: %d, want 2", q.Len())
	}
}

func TestQueueBytesQueued(t *testing.T) {
	q := NewQueue(4)
	m := NewBuilder().Source("a").Build()
	if err := q.Push(m); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got, want := q.BytesQueued(), EncodedLen(m); got != want {
		t.Fatalf("BytesQueued: %d, want %d", got, want)
	}
}
