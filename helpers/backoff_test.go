package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore())

	b.Failure()
	d1 := b.DelayBefore()
	assert.True(t, d1 > 100*time.Millisecond && d1 <= 200*time.Millisecond, "d1=%s", d1)

	for i := 0; i < 10; i++ {
		b.Failure()
	}
	assert.True(t, b.DelayBefore() <= time.Second)

	b.Reset()
	assert.True(t, b.DelayBefore() <= 100*time.Millisecond)
}
