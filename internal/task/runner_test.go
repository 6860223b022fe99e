package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrictPriorityOrdering(t *testing.T) {
	r := NewRunner()

	var mu sync.Mutex
	var order []Priority
	var wg sync.WaitGroup
	record := func(p Priority) func(*Task) {
		return func(*Task) {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			wg.Done()
		}
	}

	// Queue everything before the worker starts so priorities decide order.
	wg.Add(4)
	r.Submit(r.NewTask(P4LiveUpdate, record(P4LiveUpdate)))
	r.Submit(r.NewTask(P2SignatureCalc, record(P2SignatureCalc)))
	r.Submit(r.NewTask(P1UserInteractive, record(P1UserInteractive)))
	r.Submit(r.NewTask(P3BackgroundCacheLoad, record(P3BackgroundCacheLoad)))
	r.Start()
	defer r.Shutdown()

	wg.Wait()
	assert.Equal(t, []Priority{
		P1UserInteractive, P2SignatureCalc, P3BackgroundCacheLoad, P4LiveUpdate,
	}, order)
}

func TestAddNextTaskRunsContinuation(t *testing.T) {
	r := NewRunner()
	r.Start()
	defer r.Shutdown()

	done := make(chan string, 2)
	task := r.NewTask(P3BackgroundCacheLoad, func(t *Task) {
		done <- "first"
		t.AddNextTask(func(*Task) { done <- "second" })
	})
	r.Submit(task)

	require.Equal(t, "first", <-done)
	select {
	case got := <-done:
		assert.Equal(t, "second", got)
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestChildTaskKeepsPriority(t *testing.T) {
	r := NewRunner()
	r.Start()
	defer r.Shutdown()

	done := make(chan Priority, 1)
	parent := r.NewTask(P2SignatureCalc, func(parent *Task) {
		child := parent.CreateChildTask(func(child *Task) {
			done <- child.Priority
		})
		r.Submit(child)
	})
	r.Submit(parent)

	select {
	case p := <-done:
		assert.Equal(t, P2SignatureCalc, p)
	case <-time.After(2 * time.Second):
		t.Fatal("child task never ran")
	}
}
