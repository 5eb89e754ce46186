package onboard

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReturn(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		signature string
		expectErr string
	}
	cases := []Case{
		{"url", "https://app.invalid/return?state=s1&token=t1&signature=ab%2Bcd", "ab+cd", ""},
		{"query", "state=s1&token=t1&signature=ab+cd", "ab+cd", ""},
		{"error", "https://app.invalid/return?state=s1&error=access_denied", "", "authorization page error=access_denied"},
		{"missing", "state=s1&token=t1", "", "not valid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			state, token, signature, err := parseReturn(c.input)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err, errors.ErrorStack(err))
			assert.Equal(t, "s1", state)
			assert.Equal(t, "t1", token)
			assert.Equal(t, c.signature, signature)
		})
	}
}
