package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayDoubles(t *testing.T) {
	p := Policy{Base: 5 * time.Minute, Max: 24 * time.Hour}

	assert.Equal(t, 5*time.Minute, p.NextDelay(0))
	assert.Equal(t, 10*time.Minute, p.NextDelay(1))
	assert.Equal(t, 20*time.Minute, p.NextDelay(2))
	assert.Equal(t, 40*time.Minute, p.NextDelay(3))
}

func TestNextDelayMonotonicAndBounded(t *testing.T) {
	p := Policy{Base: time.Minute, Max: 24 * time.Hour}

	prev := time.Duration(0)
	for a := 0; a < 80; a++ {
		d := p.NextDelay(a)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", a)
		assert.LessOrEqual(t, d, p.Max, "attempt %d", a)
		prev = d
	}
	// Deep into overflow territory the cap must still hold.
	assert.Equal(t, p.Max, p.NextDelay(1000))
}

func TestNextDelayNegativeAttempt(t *testing.T) {
	p := Policy{Base: time.Minute, Max: time.Hour}
	assert.Equal(t, time.Minute, p.NextDelay(-3))
}
