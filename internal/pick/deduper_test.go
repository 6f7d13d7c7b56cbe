package pick

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPick(station string, pickTime float64, updateSec int) *Pick {
	return &Pick{
		Station:   station,
		Channel:   "HLZ",
		PickTime:  pickTime,
		UpdateSec: updateSec,
	}
}

func TestObserveKeepsHighestUpdateSec(t *testing.T) {
	d := NewDeduper(2*time.Minute, zerolog.Nop())

	best, gate := d.Observe(testPick("AAA", 1000, 0))
	assert.False(t, gate)
	assert.Equal(t, 0, best.UpdateSec)

	best, gate = d.Observe(testPick("AAA", 1000, 5))
	assert.True(t, gate)
	assert.Equal(t, 5, best.UpdateSec)

	// A late low-sequence retransmission never demotes the best.
	best, gate = d.Observe(testPick("AAA", 1000, 1))
	assert.False(t, gate)
	assert.Equal(t, 5, best.UpdateSec)
}

func TestObserveFirstWinsEqualUpdateSec(t *testing.T) {
	d := NewDeduper(2*time.Minute, zerolog.Nop())

	first := testPick("AAA", 1000, 2)
	first.Weight = 1
	d.Observe(first)

	// A retransmission with the same sequence does not replace the original.
	retransmit := testPick("AAA", 1000, 2)
	retransmit.Weight = 4
	best, _ := d.Observe(retransmit)
	assert.Equal(t, 1, best.Weight)
}

func TestObserveGatesOncePerKey(t *testing.T) {
	d := NewDeduper(2*time.Minute, zerolog.Nop())

	_, gate := d.Observe(testPick("AAA", 1000, 0))
	assert.False(t, gate)
	_, gate = d.Observe(testPick("AAA", 1000, 1))
	assert.False(t, gate)

	_, gate = d.Observe(testPick("AAA", 1000, 2))
	assert.True(t, gate)

	// Later retransmissions of the same key stay quiet.
	_, gate = d.Observe(testPick("AAA", 1000, 3))
	assert.False(t, gate)
	_, gate = d.Observe(testPick("AAA", 1000, 9))
	assert.False(t, gate)

	// A different pick time is a new key and gates independently.
	_, gate = d.Observe(testPick("AAA", 1007, 2))
	assert.True(t, gate)
}

func TestObserveSeparatesStations(t *testing.T) {
	d := NewDeduper(2*time.Minute, zerolog.Nop())

	_, gateA := d.Observe(testPick("AAA", 1000, 2))
	_, gateB := d.Observe(testPick("BBB", 1000, 2))
	assert.True(t, gateA)
	assert.True(t, gateB)
	assert.Equal(t, 2, d.Len())
}

func TestReapForgetsIdleKeys(t *testing.T) {
	d := NewDeduper(2*time.Minute, zerolog.Nop())

	now := time.Unix(1700000000, 0)
	d.now = func() time.Time { return now }

	d.Observe(testPick("AAA", 1000, 2))
	d.Observe(testPick("BBB", 1000, 2))
	require.Equal(t, 2, d.Len())

	now = now.Add(time.Minute)
	d.Observe(testPick("BBB", 1000, 3)) // refreshes BBB

	now = now.Add(90 * time.Second)
	assert.Equal(t, 1, d.Reap())
	assert.Equal(t, 1, d.Len())

	// AAA is forgotten: seeing it again re-gates.
	_, gate := d.Observe(testPick("AAA", 1000, 2))
	assert.True(t, gate)
}

func TestDedupeBatch(t *testing.T) {
	in := []*Pick{
		testPick("AAA", 1000, 0),
		testPick("BBB", 1000, 2),
		testPick("AAA", 1000, 7),
		testPick("AAA", 1000, 3),
		testPick("AAA", 1007, 1),
	}

	out := DedupeBatch(in)
	require.Len(t, out, 3)

	// First-appearance order, best update_sec per key.
	assert.Equal(t, "AAA", out[0].Station)
	assert.Equal(t, 7, out[0].UpdateSec)
	assert.Equal(t, "BBB", out[1].Station)
	assert.Equal(t, 1007.0, out[2].PickTime)
}

func TestDedupeBatchFirstWinsEqualUpdateSec(t *testing.T) {
	a := testPick("AAA", 1000, 5)
	a.Weight = 1
	b := testPick("AAA", 1000, 5)
	b.Weight = 4

	out := DedupeBatch([]*Pick{a, b})
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Weight)
}

func TestDedupeBatchEmpty(t *testing.T) {
	assert.Empty(t, DedupeBatch(nil))
}
