package realtime

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requirePanicMatch fails the test unless fn panics with a value whose text
// matches pattern, case-insensitively.
func requirePanicMatch(t *testing.T, pattern string, fn func()) {
	t.Helper()
	v := func() (r any) {
		defer func() { r = recover() }()
		fn()
		return nil
	}()
	require.NotNil(t, v, "expected a panic matching %q", pattern)
	assert.Regexp(t, "(?i)"+pattern, fmt.Sprint(v))
}

// requireErrorMatch fails the test unless err is non-nil and its text
// matches pattern, case-insensitively.
func requireErrorMatch(t *testing.T, pattern string, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Regexp(t, "(?i)"+pattern, err.Error())
}
