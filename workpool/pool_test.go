package workpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSingleTask(t *testing.T) {
	var value int32

	p := New(1)
	p.Submit(func() { atomic.StoreInt32(&value, 42) })
	p.Close()

	assert.Equal(t, int32(42), atomic.LoadInt32(&value))
}

func TestMultipleTasks(t *testing.T) {
	const tasks = 1000
	var counter int32

	p := New(0)
	assert.Equal(t, runtime.NumCPU(), p.Workers())
	for i := 0; i < tasks; i++ {
		p.Submit(func() { atomic.AddInt32(&counter, 1) })
	}
	p.Close()

	assert.Equal(t, int32(tasks), atomic.LoadInt32(&counter))
}

func TestCloseDrainsQueue(t *testing.T) {
	var counter int32
	release := make(chan struct{})

	p := New(2)
	for i := 0; i < 50; i++ {
		p.Submit(func() {
			<-release
			atomic.AddInt32(&counter, 1)
		})
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned while tasks were still blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	assert.Equal(t, int32(50), atomic.LoadInt32(&counter))
}

func TestWorkersRunConcurrently(t *testing.T) {
	const n = 4
	var wg sync.WaitGroup
	wg.Add(n)

	// every task waits for all the others, which only works if n run at once
	p := New(n)
	for i := 0; i < n; i++ {
		p.Submit(func() {
			wg.Done()
			wg.Wait()
		})
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not run concurrently")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	var counter int32

	p := New(1)
	p.Close()
	p.Submit(func() { atomic.AddInt32(&counter, 1) })
	p.Close()

	assert.Equal(t, int32(0), atomic.LoadInt32(&counter))
}
