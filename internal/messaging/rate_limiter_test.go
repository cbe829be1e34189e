package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Window(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(3, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("alice"), "attempt %d", i)
	}
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"), "limits are per sender")

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("alice"), "new window")
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		assert.True(t, rl.Allow("alice"))
	}
	assert.Zero(t, rl.Tracked())
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(10, time.Minute)
	rl.now = func() time.Time { return now }

	rl.Allow("alice")
	now = now.Add(3 * time.Minute)
	rl.Allow("bob")
	now = now.Add(3 * time.Minute)

	rl.Cleanup()
	assert.Equal(t, 1, rl.Tracked())
}
