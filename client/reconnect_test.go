package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectPolicy_Schedule(t *testing.T) {
	p := DefaultReconnectPolicy()

	// 1s, 2s, 4s, 8s, 16s, then capped at 30s.
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, p.Delay(i+1), "failure %d", i+1)
	}
}

func TestReconnectPolicy_Abandoned(t *testing.T) {
	p := DefaultReconnectPolicy()

	assert.False(t, p.Abandoned(9))
	assert.True(t, p.Abandoned(10))
	assert.True(t, p.Abandoned(11))
}

func TestReconnectPolicy_ZeroFailures(t *testing.T) {
	p := DefaultReconnectPolicy()
	assert.Equal(t, time.Duration(0), p.Delay(0))
}
