package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ttsam-rt/dispatcher/internal/bus"
	"github.com/ttsam-rt/dispatcher/internal/monitoring"
	"github.com/ttsam-rt/dispatcher/internal/pick"
)

const (
	// Replays are chunked into fixed windows so the frontend can render
	// progressively instead of waiting for the whole span.
	histWindowSec = 5

	// Pause between chunk frames, keeping one replay from monopolizing a
	// client's send queue.
	interWindowPause = 10 * time.Millisecond
)

// runHistorical serves one replay request. It runs on its own goroutine tied
// to the connection context, so a disconnect cancels the bus scans mid-way.
func (s *Server) runHistorical(c *Client, req HistoricalRequest) {
	defer monitoring.RecoverPanic(s.logger, "historical", map[string]any{"client_id": c.id})

	monitoring.HistoricalRequests.Inc()
	started := time.Now()
	defer func() {
		monitoring.HistoricalDuration.Observe(time.Since(started).Seconds())
	}()

	ctx := c.Context()

	seconds := req.WindowSeconds
	if seconds <= 0 || seconds > s.cfg.HistorySec {
		seconds = s.cfg.HistorySec
	}
	end := time.Now()
	start := end.Add(-time.Duration(seconds) * time.Second)

	var keys []string
	seen := make(map[string]struct{})
	for _, stationCode := range req.Stations {
		pattern := bus.WaveKey(stationCode, "*Z")
		if stationCode == WildcardAllZ {
			pattern = bus.LiveWavePattern
		}
		scanned, err := s.bus.ScanKeys(ctx, pattern)
		if err != nil {
			s.historicalFailed(c, err)
			return
		}
		for _, key := range scanned {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	recsByKey, err := s.bus.XRangeBatch(ctx, keys, bus.IDAt(start), bus.IDAt(end))
	if err != nil {
		s.historicalFailed(c, err)
		return
	}

	width := s.registry.Width(c)
	windows := make(map[float64]map[string]WaveTrace)
	for _, key := range keys {
		s.assembleKey(key, recsByKey[key], width, windows)
	}

	starts := make([]float64, 0, len(windows))
	for w := range windows {
		starts = append(starts, w)
	}
	sort.Float64s(starts)

	nowMS := time.Now().UnixMilli()
	for i, w := range starts {
		frame, err := NewFrame(EvtHistoricalData, WavePacket{
			WaveID:    fmt.Sprintf("historical_%d_%d", nowMS, i),
			Timestamp: nowMS,
			Traces:    windows[w],
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode historical window")
			continue
		}
		c.enqueue(frame, EvtHistoricalData)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interWindowPause):
		}
	}

	s.replayPicks(ctx, c, start, end)
}

// assembleKey reassembles one stream key's records into a continuous trace,
// runs the historical signal chain over it and buckets the result into
// fixed windows.
func (s *Server) assembleKey(key string, records []bus.Record, width int, windows map[float64]map[string]WaveTrace) {
	if len(records) == 0 {
		return
	}

	packets := make([]*bus.RawPacket, 0, len(records))
	for _, rec := range records {
		pkt, err := bus.DecodePacket(key, rec)
		if err != nil {
			monitoring.BusMalformedRecords.Inc()
			continue
		}
		packets = append(packets, pkt)
	}
	if len(packets) == 0 {
		return
	}
	sort.Slice(packets, func(i, j int) bool { return packets[i].StartT < packets[j].StartT })

	first := packets[0]
	raw := make([]float64, 0, len(packets)*len(first.Samples))
	for _, pkt := range packets {
		raw = append(raw, pkt.Samples...)
	}

	samples, pga := s.pipeline.ProcessTrace(first.Station, first.Channel, raw, first.SampRate)
	waveID := first.WaveID()
	traceStart := first.StartT
	rate := float64(first.SampRate)

	for winStart := math.Floor(traceStart/histWindowSec) * histWindowSec; ; winStart += histWindowSec {
		i0 := int(math.Round((math.Max(winStart, traceStart) - traceStart) * rate))
		i1 := int(math.Round((winStart + histWindowSec - traceStart) * rate))
		if i0 >= len(samples) {
			break
		}
		if i1 > len(samples) {
			i1 = len(samples)
		}
		if i1 <= i0 {
			continue
		}

		chunkStart := math.Max(winStart, traceStart)
		chunk := samples[i0:i1]
		trace := BuildTrace(chunk, pga, chunkStart, chunkStart+float64(len(chunk))/rate, first.SampRate, width)

		traces, ok := windows[winStart]
		if !ok {
			traces = make(map[string]WaveTrace)
			windows[winStart] = traces
		}
		traces[waveID] = trace
	}
}

// replayPicks sends the deduplicated picks for the replayed span in one batch.
func (s *Server) replayPicks(ctx context.Context, c *Client, start, end time.Time) {
	records, err := s.bus.XRange(ctx, bus.PickStream, bus.IDAt(start), bus.IDAt(end))
	if err != nil {
		s.historicalFailed(c, err)
		return
	}

	picks := make([]*pick.Pick, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec.Fields)
		if err != nil {
			continue
		}
		p, err := pick.Parse(data)
		if err != nil {
			monitoring.BusMalformedRecords.Inc()
			continue
		}
		picks = append(picks, p)
	}

	deduped := pick.DedupeBatch(picks)
	for i, p := range deduped {
		deduped[i] = s.enrichPick(p)
	}

	frame, err := NewFrame(EvtHistoricalPicksBatch, PicksBatch{Picks: deduped, Count: len(deduped)})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode historical picks")
		return
	}
	c.enqueue(frame, EvtHistoricalPicksBatch)
}

// historicalFailed reports a bus failure to the requesting client only. The
// live path is unaffected.
func (s *Server) historicalFailed(c *Client, err error) {
	if c.Context().Err() != nil {
		return
	}
	monitoring.HistoricalErrors.Inc()
	s.logger.Warn().Err(err).Int64("client_id", c.id).Msg("Historical query failed")
	s.sendError(c, "HISTORICAL_FAILED", "historical data unavailable, try again")
}
