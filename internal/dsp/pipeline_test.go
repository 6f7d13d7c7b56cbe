package dsp

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttsam-rt/dispatcher/internal/bus"
)

type constCalib float64

func (c constCalib) Constant(station, channel string) float64 { return float64(c) }

func testPipeline(t *testing.T) (*Pipeline, context.CancelFunc) {
	t.Helper()
	p, err := NewPipeline(nil, constCalib(3.2e-6), PipelineConfig{
		CornerHz:   10,
		SampleRate: 100,
		Order:      4,
		Workers:    2,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p.pool.Start(ctx)
	return p, cancel
}

func rawPacket(station string, startt float64, samples []float64) *bus.RawPacket {
	return &bus.RawPacket{
		Station:  station,
		Channel:  "HLZ",
		Network:  "SM",
		Location: "01",
		StartT:   startt,
		EndT:     startt + float64(len(samples))/100,
		SampRate: 100,
		Samples:  samples,
	}
}

func TestBatchMatchesSinglePath(t *testing.T) {
	p, cancel := testPipeline(t)
	defer cancel()

	// Uneven lengths force zero padding in the matrix path.
	batch := []*bus.RawPacket{
		rawPacket("AAA", 1000, sine(2, 100, 100)),
		rawPacket("BBB", 1000, sine(5, 100, 73)),
		rawPacket("CCC", 1000, sine(12, 100, 250)),
	}

	got := p.ProcessBatch(batch)
	require.Len(t, got, len(batch))

	for i, pkt := range batch {
		want := p.ProcessOne(pkt)
		require.Equal(t, want.WaveID, got[i].WaveID)
		require.Len(t, got[i].Samples, len(want.Samples))
		for j := range want.Samples {
			assert.InDelta(t, want.Samples[j], got[i].Samples[j], 1e-15)
		}
		assert.InDelta(t, want.PGA, got[i].PGA, 1e-15)
	}
}

func TestProcessOneAppliesCalibration(t *testing.T) {
	p, cancel := testPipeline(t)
	defer cancel()

	samples := make([]float64, 300)
	for i := range samples {
		samples[i] = 1000 // constant counts, zero after demean
	}
	out := p.ProcessOne(rawPacket("AAA", 1000, samples))
	assert.InDelta(t, 0, out.PGA, 1e-12)

	// A step retains energy after demean and scales with the constant.
	step := make([]float64, 300)
	for i := 150; i < 300; i++ {
		step[i] = 1000
	}
	out = p.ProcessOne(rawPacket("AAA", 1000, step))
	assert.Greater(t, out.PGA, 0.0)
	assert.Less(t, out.PGA, 1000*3.2e-6*1.5)
}

func TestProcessBatchEmptySamples(t *testing.T) {
	p, cancel := testPipeline(t)
	defer cancel()

	assert.Nil(t, p.ProcessBatch([]*bus.RawPacket{rawPacket("AAA", 1000, nil)}))
}

func TestProcessTraceTapersStart(t *testing.T) {
	p, cancel := testPipeline(t)
	defer cancel()

	raw := make([]float64, 1000)
	for i := range raw {
		raw[i] = 500 * math.Sin(2*math.Pi*float64(i)/100)
	}
	samples, pga := p.ProcessTrace("AAA", "HLZ", raw, 100)

	require.Len(t, samples, len(raw))
	assert.Equal(t, 0.0, samples[0])
	assert.Greater(t, pga, 0.0)
}

func TestPoolRunAllCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(4, zerolog.Nop())
	pool.Start(ctx)

	results := make([]int, 1000)
	tasks := make([]Task, len(results))
	for i := range tasks {
		i := i
		tasks[i] = func() { results[i] = i + 1 }
	}
	pool.RunAll(tasks)

	for i, v := range results {
		require.Equal(t, i+1, v)
	}
}

func TestPoolRunAllAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2, zerolog.Nop())
	pool.Start(ctx)
	cancel()
	pool.Wait()

	ran := make([]bool, 8)
	tasks := make([]Task, len(ran))
	for i := range tasks {
		i := i
		tasks[i] = func() { ran[i] = true }
	}

	finished := make(chan struct{})
	go func() {
		pool.RunAll(tasks)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("RunAll did not return after the pool stopped")
	}
	for i, ok := range ran {
		require.True(t, ok, "task %d never ran", i)
	}
}
