package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/ttsam-rt/dispatcher/internal/dsp"
)

type traceKey struct {
	waveID string
	width  int
}

// fanoutTick delivers one processed batch to every subscribed client.
// Downsampled traces are cached per (wave id, display width) so two clients
// at the same resolution share the work; marshalling stays per client since
// their station sets differ.
func (s *Server) fanoutTick(tick []*dsp.Processed) {
	clients := s.snapshotClients()
	if len(clients) == 0 {
		return
	}

	stations := make([]string, len(tick))
	channels := make([]string, len(tick))
	for i, p := range tick {
		stations[i], channels[i] = splitWaveID(p.WaveID)
	}

	nowMS := time.Now().UnixMilli()
	batchID := fmt.Sprintf("batch_%d", nowMS)
	cache := make(map[traceKey]WaveTrace)

	for _, c := range clients {
		width := s.registry.Width(c)
		var traces map[string]WaveTrace
		for i, p := range tick {
			if !s.registry.Covers(c, stations[i], channels[i]) {
				continue
			}
			key := traceKey{p.WaveID, width}
			trace, ok := cache[key]
			if !ok {
				trace = BuildTrace(p.Samples, p.PGA, p.StartT, p.EndT, p.SampRate, width)
				cache[key] = trace
			}
			if traces == nil {
				traces = make(map[string]WaveTrace)
			}
			traces[p.WaveID] = trace
		}
		if traces == nil {
			continue
		}

		frame, err := NewFrame(EvtWavePacket, WavePacket{WaveID: batchID, Timestamp: nowMS, Traces: traces})
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode wave packet")
			continue
		}
		c.enqueue(frame, EvtWavePacket)
	}
}

// broadcast sends one frame to every connected client regardless of
// subscriptions. Picks and alerts are low-volume and globally relevant.
func (s *Server) broadcast(event string, payload any) {
	frame, err := NewFrame(event, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to encode broadcast")
		return
	}
	for _, c := range s.snapshotClients() {
		c.enqueue(frame, event)
	}
}

func (s *Server) sendError(c *Client, code, message string) {
	frame, err := NewFrame(EvtError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(frame, EvtError)
}

func (s *Server) snapshotClients() []*Client {
	var out []*Client
	s.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*Client); ok {
			out = append(out, c)
		}
		return true
	})
	return out
}

// splitWaveID extracts the station and channel from a
// "network.station.location.channel" id.
func splitWaveID(waveID string) (station, channel string) {
	parts := strings.Split(waveID, ".")
	if len(parts) != 4 {
		return "", ""
	}
	return parts[1], parts[3]
}
