package helpers

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	e1 := fmt.Errorf("listen tcp: address in use")
	e2 := fmt.Errorf("close: already closed")
	cases := []struct {
		name   string
		input  []error
		expect string
	}{
		{"empty", nil, ""},
		{"all-nil", []error{nil, nil}, ""},
		{"single", []error{nil, e1}, e1.Error()},
		{"many", []error{e1, nil, e2}, e1.Error() + "\n" + e2.Error()},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			err := FoldErrors(c.input)
			if c.expect == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, c.expect)
			}
		})
	}
}

func TestFoldErrChan(t *testing.T) {
	t.Parallel()

	ch := make(chan error, 3)
	ch <- nil
	ch <- fmt.Errorf("backend=tls://:8883 closed")
	close(ch)
	assert.EqualError(t, FoldErrChan(ch), "backend=tls://:8883 closed")
}
