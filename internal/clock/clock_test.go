package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemClockIsMonotonic(t *testing.T) {
	clk := New()
	a := clk.NowMicros()
	time.Sleep(2 * time.Millisecond)
	b := clk.NowMicros()
	assert.Greater(t, b, a)
}

func TestFakeClock(t *testing.T) {
	clk := NewFake()
	start := clk.NowMicros()
	clk.Advance(3 * time.Second)
	assert.Equal(t, start+3_000_000, clk.NowMicros())
}
