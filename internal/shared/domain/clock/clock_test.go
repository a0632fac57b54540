package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock_ReturnsUTC(t *testing.T) {
	now := RealClock{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestFixedClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	Set(FixedClock{Time: fixed})
	t.Cleanup(Reset)

	assert.Equal(t, fixed, Now())
	assert.Equal(t, fixed, Now(), "fixed clock should not advance")
}

func TestReset_RestoresRealClock(t *testing.T) {
	Set(FixedClock{Time: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)})
	Reset()

	assert.WithinDuration(t, time.Now().UTC(), Now(), time.Second)
}
