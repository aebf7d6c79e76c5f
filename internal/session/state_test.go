package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateNegotiating, "negotiating"},
		{StateActive, "active"},
		{StateDisconnecting, "disconnecting"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestStateCanConnect(t *testing.T) {
	assert.True(t, StateDisconnected.canConnect())
	assert.True(t, StateFailed.canConnect())
	assert.False(t, StateConnecting.canConnect())
	assert.False(t, StateNegotiating.canConnect())
	assert.False(t, StateActive.canConnect())
	assert.False(t, StateDisconnecting.canConnect())
}
