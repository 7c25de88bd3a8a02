package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	ctx := context.Background()
	for want := 0; want < 5; want++ {
		got, ok := q.Pop(ctx)
		if !ok || got != want {
			t.Fatalf("Pop() = %d, %v; want %d, true", got, ok, want)
		}
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := New[string]()

	got := make(chan string, 1)
	go func() {
		v, _ := q.Pop(context.Background())
		got <- v
	}()

	select {
	case v := <-got:
		t.Fatalf("Pop() returned %q before Push", v)
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case v := <-got:
		if v != "hello" {
			t.Errorf("Pop() = %q, want hello", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop() did not wake up")
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Close()

	if q.Push(3) {
		t.Error("Push() after Close = true, want false")
	}

	ctx := context.Background()
	for _, want := range []int{1, 2} {
		if got, ok := q.Pop(ctx); !ok || got != want {
			t.Errorf("Pop() = %d, %v; want %d, true", got, ok, want)
		}
	}
	if _, ok := q.Pop(ctx); ok {
		t.Error("Pop() on closed empty queue ok = true")
	}
}

func TestQueue_CloseWakesConsumer(t *testing.T) {
	q := New[int]()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop() ok = true after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Close() did not wake Pop()")
	}
}

func TestQueue_PopContextCancel(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, ok := q.Pop(ctx); ok {
		t.Error("Pop() ok = true on cancelled context")
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New[int]()

	const producers, each = 4, 250
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()
	q.Close()

	count := 0
	for {
		if _, ok := q.Pop(context.Background()); !ok {
			break
		}
		count++
	}
	if count != producers*each {
		t.Errorf("popped %d items, want %d", count, producers*each)
	}
}
