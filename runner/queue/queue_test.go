package queue

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueRunsJobs(t *testing.T) {
	q := NewQueue(10, 2)
	q.Start()

	var ran atomic.Int32
	for range 5 {
		ok := q.Enqueue(Job{Run: func() error {
			ran.Add(1)
			return nil
		}})
		assert.True(t, ok)
	}

	q.Stop()
	assert.Equal(t, int32(5), ran.Load())
}

func TestQueueOnFail(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()

	failed := make(chan error, 1)
	q.Enqueue(Job{
		Run:    func() error { return errors.New("boom") },
		OnFail: func(err error) { failed <- err },
	})

	select {
	case err := <-failed:
		assert.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("OnFail was not called")
	}

	q.Stop()
}

func TestQueueFullDoesNotBlock(t *testing.T) {
	q := NewQueue(1, 1)

	// no workers started yet, so the second enqueue finds a full channel
	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))

	q.Start()
	q.Stop()
}
