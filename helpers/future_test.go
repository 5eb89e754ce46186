package helpers

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFutureOnce(t *testing.T) {
	t.Parallel()

	f := NewFuture[string]()
	assert.Equal(t, "", f.Result())
	assert.True(t, f.Complete("ack"))
	assert.False(t, f.Cancel("closed"))
	<-f.Done()
	assert.Equal(t, "ack", f.Result())
	assert.False(t, f.Cancelled())

	g := NewFuture[error]()
	closed := fmt.Errorf("closed")
	assert.True(t, g.Cancel(closed))
	select {
	case <-g.Done():
	default:
		t.Fatal("expected done")
	}
	assert.True(t, g.Cancelled())
	assert.Equal(t, closed, g.Result())
}

func TestFutureRace(t *testing.T) {
	t.Parallel()

	f := NewFuture[int]()
	var wg sync.WaitGroup
	wins := make(chan int, 8)
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.Complete(i) {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
	assert.Equal(t, <-wins, f.Result())
}
