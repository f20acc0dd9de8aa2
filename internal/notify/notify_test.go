package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchIsNoOpWhenDisabled(t *testing.T) {
	n, err := New(Config{Enabled: false})
	require.NoError(t, err)

	err = n.Dispatch(context.Background(), "title", "message")
	assert.NoError(t, err)
}

func TestDispatchIsNoOpWhenNoURLsConfigured(t *testing.T) {
	n, err := New(Config{Enabled: true})
	require.NoError(t, err)

	err = n.Dispatch(context.Background(), "title", "message")
	assert.NoError(t, err)
}

func TestRestartBudgetExhaustedHandlerNeverPanicsWhenDisabled(t *testing.T) {
	n, err := New(Config{Enabled: false})
	require.NoError(t, err)

	handler := n.RestartBudgetExhaustedHandler()
	handler("cam-1", 7) // fire-and-forget; must not panic or block the caller
}

func TestMediaDisabledNeverPanicsWhenDisabled(t *testing.T) {
	n, err := New(Config{Enabled: false})
	require.NoError(t, err)

	n.MediaDisabled("cam-1", "encoder binary missing")
}
