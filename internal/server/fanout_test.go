package server

import (
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttsam-rt/dispatcher/internal/bus"
	"github.com/ttsam-rt/dispatcher/internal/dsp"
	"github.com/ttsam-rt/dispatcher/internal/pick"
)

func processed(waveID string, startt float64, n int) *dsp.Processed {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = float64(i)
	}
	return &dsp.Processed{
		WaveID:   waveID,
		StartT:   startt,
		EndT:     startt + float64(n)/100,
		SampRate: 100,
		Samples:  samples,
		PGA:      float64(n - 1),
	}
}

func TestFanoutTickFiltersPerClient(t *testing.T) {
	s := newTestServer(t, bus.NewFake())

	explicit := testClient(1, 8)
	wildcard := testClient(2, 8)
	idle := testClient(3, 8)
	for _, c := range []*Client{explicit, wildcard, idle} {
		s.clients.Store(c, struct{}{})
	}
	s.registry.Subscribe(explicit, []string{"AAA"})
	s.registry.Subscribe(wildcard, []string{WildcardAllZ})

	s.fanoutTick([]*dsp.Processed{
		processed("SM.AAA.01.HLZ", 1000, 100),
		processed("SM.BBB.01.HLZ", 1000, 100),
	})

	frames := drainFrames(t, explicit)
	require.Len(t, frames, 1)
	assert.Equal(t, EvtWavePacket, frames[0].Event)

	// Clients depend on the exact envelope keys.
	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frames[0].Data, &envelope))
	assert.Contains(t, envelope, "waveid")
	assert.Contains(t, envelope, "timestamp")
	assert.Contains(t, envelope, "data")

	var pkt WavePacket
	require.NoError(t, json.Unmarshal(frames[0].Data, &pkt))
	assert.True(t, strings.HasPrefix(pkt.WaveID, "batch_"))
	assert.Greater(t, pkt.Timestamp, int64(0))
	require.Len(t, pkt.Traces, 1)
	require.Contains(t, pkt.Traces, "SM.AAA.01.HLZ")

	trace := pkt.Traces["SM.AAA.01.HLZ"]
	assert.Equal(t, 100, trace.OriginalLength)
	assert.Equal(t, 6, trace.DownsampleFactor)
	assert.Equal(t, trace.DownsampledLength, len(trace.Waveform))

	frames = drainFrames(t, wildcard)
	require.Len(t, frames, 1)
	require.NoError(t, json.Unmarshal(frames[0].Data, &pkt))
	assert.Len(t, pkt.Traces, 2)

	assert.Empty(t, drainFrames(t, idle))
}

func TestFanoutTickHonorsWidth(t *testing.T) {
	s := newTestServer(t, bus.NewFake())

	c := testClient(1, 8)
	s.clients.Store(c, struct{}{})
	s.registry.Subscribe(c, []string{"AAA"})
	s.registry.SetWidth(c, 200) // factor 30 at 100 Hz

	s.fanoutTick([]*dsp.Processed{processed("SM.AAA.01.HLZ", 1000, 300)})

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	var pkt WavePacket
	require.NoError(t, json.Unmarshal(frames[0].Data, &pkt))
	trace := pkt.Traces["SM.AAA.01.HLZ"]
	assert.Equal(t, 30, trace.DownsampleFactor)
	assert.Equal(t, DownsampledLength(300, 30), len(trace.Waveform))
}

func TestBroadcastReachesEveryone(t *testing.T) {
	s := newTestServer(t, bus.NewFake())

	a := testClient(1, 8)
	b := testClient(2, 8)
	s.clients.Store(a, struct{}{})
	s.clients.Store(b, struct{}{})

	s.broadcast(EvtEEWPacket, map[string]string{"magnitude": "5.1"})

	for _, c := range []*Client{a, b} {
		frames := drainFrames(t, c)
		require.Len(t, frames, 1)
		assert.Equal(t, EvtEEWPacket, frames[0].Event)
	}
}

func TestPickBroadcastShape(t *testing.T) {
	s := newTestServer(t, bus.NewFake())
	c := testClient(1, 8)
	s.clients.Store(c, struct{}{})

	s.broadcast(EvtPickPacket, Broadcast{
		Type:      "pick",
		Content:   &pick.Pick{Station: "AAA", Channel: "HLZ", PickTime: 1000},
		Timestamp: 1234,
	})

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	assert.JSONEq(t, `"pick"`, string(payload["type"]))
	assert.Contains(t, payload, "content")
	assert.JSONEq(t, `1234`, string(payload["timestamp"]))
}

func TestSlowClientEvictedAfterStrikes(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	go io.Copy(io.Discard, remote)

	c := testClient(1, 0) // zero-capacity queue: every enqueue is a strike
	c.conn = local

	frame := []byte(`{"event":"wave_packet"}`)
	for i := 0; i < slowClientStrikes; i++ {
		assert.False(t, c.enqueue(frame, EvtWavePacket))
	}

	select {
	case <-c.Context().Done():
	default:
		t.Fatal("client context still live after strike limit")
	}
}

func TestEnqueueResetsStrikes(t *testing.T) {
	c := testClient(1, 1)

	assert.True(t, c.enqueue([]byte("a"), EvtWavePacket))
	assert.False(t, c.enqueue([]byte("b"), EvtWavePacket)) // queue full, strike 1
	<-c.send
	assert.True(t, c.enqueue([]byte("c"), EvtWavePacket)) // strike counter resets

	select {
	case <-c.Context().Done():
		t.Fatal("client evicted despite recovering")
	default:
	}
}

func TestSplitWaveID(t *testing.T) {
	station, channel := splitWaveID("SM.AAA.01.HLZ")
	assert.Equal(t, "AAA", station)
	assert.Equal(t, "HLZ", channel)

	station, channel = splitWaveID("garbage")
	assert.Empty(t, station)
	assert.Empty(t, channel)
}
