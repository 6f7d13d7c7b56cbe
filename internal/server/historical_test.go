package server

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttsam-rt/dispatcher/internal/bus"
)

func addWave(f *bus.Fake, key string, ageMS int64, startt float64, n int) {
	now := time.Now().UnixMilli()
	f.AddAt(key, now-ageMS, map[string]string{
		"data":   encodeCounts(constantCounts(n, 100)...),
		"startt": jsonFloat(startt),
		"endt":   jsonFloat(startt + float64(n)/100),
	})
}

func jsonFloat(v float64) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeReplay(t *testing.T, frames []Frame) ([]WavePacket, *PicksBatch) {
	t.Helper()
	var windows []WavePacket
	var batch *PicksBatch
	for _, f := range frames {
		switch f.Event {
		case EvtHistoricalData:
			var w WavePacket
			require.NoError(t, json.Unmarshal(f.Data, &w))
			windows = append(windows, w)
		case EvtHistoricalPicksBatch:
			var b PicksBatch
			require.NoError(t, json.Unmarshal(f.Data, &b))
			batch = &b
		default:
			t.Fatalf("unexpected event %s", f.Event)
		}
	}
	return windows, batch
}

func TestHistoricalAlignedWindows(t *testing.T) {
	f := bus.NewFake()
	addWave(f, "wave:AAA:HLZ", 60_000, 1000, 500)
	addWave(f, "wave:AAA:HLZ", 55_000, 1005, 500)
	addWave(f, "wave:AAA:HLZ", 50_000, 1010, 500)

	s := newTestServer(t, f)
	c := testClient(1, 64)

	s.runHistorical(c, HistoricalRequest{Stations: []string{"AAA"}, WindowSeconds: 120})

	windows, _ := decodeReplay(t, drainFrames(t, c))
	require.Len(t, windows, 3)

	total := 0
	for i, w := range windows {
		assert.True(t, strings.HasPrefix(w.WaveID, "historical_"))
		assert.Greater(t, w.Timestamp, int64(0))
		trace, ok := w.Traces["SM.AAA.01.HLZ"]
		require.True(t, ok)
		assert.Equal(t, 1000.0+float64(i*histWindowSec), trace.StartT, "windows ascend without gaps")
		assert.Equal(t, trace.StartT+histWindowSec, trace.EndT)
		total += trace.OriginalLength
	}
	assert.Equal(t, 1500, total, "every sample lands in exactly one window")
}

func TestHistoricalUnalignedStart(t *testing.T) {
	f := bus.NewFake()
	addWave(f, "wave:AAA:HLZ", 60_000, 1002.5, 250)
	addWave(f, "wave:AAA:HLZ", 55_000, 1005, 500)

	s := newTestServer(t, f)
	c := testClient(1, 64)

	s.runHistorical(c, HistoricalRequest{Stations: []string{"AAA"}, WindowSeconds: 120})

	windows, _ := decodeReplay(t, drainFrames(t, c))
	require.Len(t, windows, 2)

	// First window is partial: it starts where the data starts.
	first := windows[0].Traces["SM.AAA.01.HLZ"]
	assert.Equal(t, 1002.5, first.StartT)
	assert.Equal(t, 250, first.OriginalLength)

	second := windows[1].Traces["SM.AAA.01.HLZ"]
	assert.Equal(t, 1005.0, second.StartT)
	assert.Equal(t, 500, second.OriginalLength)
}

func TestHistoricalExcludesOldRecords(t *testing.T) {
	f := bus.NewFake()
	addWave(f, "wave:AAA:HLZ", 300_000, 500, 500) // outside the 120 s cap
	addWave(f, "wave:AAA:HLZ", 30_000, 1000, 500)

	s := newTestServer(t, f)
	c := testClient(1, 64)

	// An oversized request clamps to the configured history cap.
	s.runHistorical(c, HistoricalRequest{Stations: []string{"AAA"}, WindowSeconds: 999999})

	windows, _ := decodeReplay(t, drainFrames(t, c))
	require.Len(t, windows, 1)
	assert.Equal(t, 1000.0, windows[0].Traces["SM.AAA.01.HLZ"].StartT)
}

func TestHistoricalWildcard(t *testing.T) {
	f := bus.NewFake()
	addWave(f, "wave:AAA:HLZ", 60_000, 1000, 500)
	addWave(f, "wave:BBB:HLZ", 60_000, 1000, 500)
	addWave(f, "wave:AAA:HLE", 60_000, 1000, 500) // horizontal, never scanned

	s := newTestServer(t, f)
	c := testClient(1, 64)

	s.runHistorical(c, HistoricalRequest{Stations: []string{WildcardAllZ}})

	windows, _ := decodeReplay(t, drainFrames(t, c))
	require.Len(t, windows, 1)
	assert.Len(t, windows[0].Traces, 2)
	assert.Contains(t, windows[0].Traces, "SM.AAA.01.HLZ")
	assert.Contains(t, windows[0].Traces, "SM.BBB.01.HLZ")
}

func TestHistoricalMultipleStations(t *testing.T) {
	f := bus.NewFake()
	addWave(f, "wave:AAA:HLZ", 60_000, 1000, 500)
	addWave(f, "wave:BBB:HLZ", 60_000, 1000, 500)
	addWave(f, "wave:CCC:HLZ", 60_000, 1000, 500)

	s := newTestServer(t, f)
	c := testClient(1, 64)

	s.runHistorical(c, HistoricalRequest{Stations: []string{"AAA", "BBB"}})

	windows, _ := decodeReplay(t, drainFrames(t, c))
	require.Len(t, windows, 1)
	assert.Len(t, windows[0].Traces, 2)
	assert.Contains(t, windows[0].Traces, "SM.AAA.01.HLZ")
	assert.Contains(t, windows[0].Traces, "SM.BBB.01.HLZ")
	assert.NotContains(t, windows[0].Traces, "SM.CCC.01.HLZ")
}

func TestHistoricalRequestWireFormat(t *testing.T) {
	f := bus.NewFake()
	addWave(f, "wave:AAA:HLZ", 60_000, 1000, 500)

	s := newTestServer(t, f)
	c := testClient(1, 64)

	raw := `{"event":"request_historical_data","data":{"stations":["AAA"],"window_seconds":120}}`
	s.handleClientEvent(c, []byte(raw))

	// One window frame plus the picks batch.
	require.Eventually(t, func() bool { return len(c.send) >= 2 }, 2*time.Second, 10*time.Millisecond)

	frames := drainFrames(t, c)
	for _, fr := range frames {
		assert.NotEqual(t, EvtError, fr.Event)
	}
	assert.Equal(t, EvtHistoricalData, frames[0].Event)
}

func TestHistoricalPicksDeduplicated(t *testing.T) {
	f := bus.NewFake()
	addWave(f, "wave:AAA:HLZ", 60_000, 1000, 500)

	now := time.Now().UnixMilli()
	for _, updateSec := range []string{"0", "2", "7", "3"} {
		f.AddAt(bus.PickStream, now-40_000, map[string]string{
			"station": "AAA", "channel": "HLZ",
			"pick_time": "1000.0", "update_sec": updateSec,
		})
	}
	f.AddAt(bus.PickStream, now-30_000, map[string]string{
		"station": "BBB", "channel": "HLZ",
		"pick_time": "1002.0", "update_sec": "2",
	})

	s := newTestServer(t, f)
	c := testClient(1, 64)

	s.runHistorical(c, HistoricalRequest{Stations: []string{"AAA"}})

	_, batch := decodeReplay(t, drainFrames(t, c))
	require.NotNil(t, batch)
	require.Len(t, batch.Picks, 2)
	assert.Equal(t, 2, batch.Count)
	assert.Equal(t, "AAA", batch.Picks[0].Station)
	assert.Equal(t, 7, batch.Picks[0].UpdateSec)
	assert.Equal(t, "BBB", batch.Picks[1].Station)
}

func TestHistoricalBusErrorReportsToRequester(t *testing.T) {
	f := bus.NewFake()
	s := newTestServer(t, f)
	c := testClient(1, 64)

	f.SetErr(errors.New("connection reset"))
	s.runHistorical(c, HistoricalRequest{Stations: []string{"AAA"}})

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, EvtError, frames[0].Event)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	assert.Equal(t, "HISTORICAL_FAILED", payload.Code)
}
