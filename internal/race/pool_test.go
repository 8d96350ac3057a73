package race

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_RunsAllTasks(t *testing.T) {
	p := NewPool(4, 100)
	var n atomic.Int32
	for i := 0; i < 50; i++ {
		assert.True(t, p.Submit(func() { n.Add(1) }))
	}
	p.Close()
	assert.Equal(t, int32(50), n.Load())
}

func TestPool_SubmitNonBlockingWhenFull(t *testing.T) {
	p := NewPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})

	assert.True(t, p.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	assert.True(t, p.Submit(func() {}), "one slot in the queue")
	assert.False(t, p.Submit(func() {}), "queue is full")
	assert.Equal(t, 1, p.Queued())

	close(block)
	p.Close()
}

func TestPool_CloseDrainsAndRejects(t *testing.T) {
	p := NewPool(2, 10)
	var n atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		p.Submit(func() {
			<-release
			n.Add(1)
		})
	}

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned before tasks finished")
	default:
	}

	close(release)
	<-closed
	assert.Equal(t, int32(5), n.Load())
	assert.False(t, p.Submit(func() {}))
	p.Close()
}
