package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Max: 8 * time.Second}

	t.Run("should double per attempt up to the max", func(t *testing.T) {
		assert.Equal(t, time.Second, cfg.Delay(1))
		assert.Equal(t, 2*time.Second, cfg.Delay(2))
		assert.Equal(t, 4*time.Second, cfg.Delay(3))
		assert.Equal(t, 8*time.Second, cfg.Delay(4))
		assert.Equal(t, 8*time.Second, cfg.Delay(5))
		assert.Equal(t, 8*time.Second, cfg.Delay(20))
	})

	t.Run("should treat attempts below one as the first attempt", func(t *testing.T) {
		assert.Equal(t, time.Second, cfg.Delay(0))
		assert.Equal(t, time.Second, cfg.Delay(-3))
	})

	t.Run("should bound jitter by the configured fraction", func(t *testing.T) {
		jittered := BackoffConfig{Base: time.Second, Max: 8 * time.Second, Jitter: 0.5}
		for i := 0; i < 50; i++ {
			delay := jittered.Delay(2)
			assert.GreaterOrEqual(t, delay, 2*time.Second)
			assert.LessOrEqual(t, delay, 3*time.Second)
		}
	})

	t.Run("should schedule the retry relative to now", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		assert.Equal(t, now.Add(2*time.Second), cfg.NextRetryAt(now, 2))
	})
}
