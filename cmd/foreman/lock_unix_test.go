//go:build !windows

package cli

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleInstanceLock(t *testing.T) {
	dir := t.TempDir()

	first, err := acquireLock(dir)
	require.NoError(t, err)

	_, err = acquireLock(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("pid %d", os.Getpid()))

	releaseLock(first)

	again, err := acquireLock(dir)
	require.NoError(t, err)
	releaseLock(again)
}
