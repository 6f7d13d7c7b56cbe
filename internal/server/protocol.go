// Package server is the client-facing half of the dispatcher: the WebSocket
// endpoint, per-client subscription state, the live fanout loop and the
// historical replay path.
package server

import (
	"encoding/json"

	"github.com/ttsam-rt/dispatcher/internal/pick"
)

// Client-to-server events.
const (
	EvtSubscribeStations     = "subscribe_stations"
	EvtSetDisplayResolution  = "set_display_resolution"
	EvtRequestHistoricalData = "request_historical_data"
)

// Server-to-client events.
const (
	EvtConnectInit          = "connect_init"
	EvtWavePacket           = "wave_packet"
	EvtHistoricalData       = "historical_data"
	EvtHistoricalPicksBatch = "historical_picks_batch"
	EvtPickPacket           = "pick_packet"
	EvtEEWPacket            = "eew_packet"
	EvtError                = "error"
)

// Frame is the envelope for every message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals a payload into a wire-ready envelope.
func NewFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// ConnectInit greets a freshly upgraded client.
type ConnectInit struct {
	ClientID   int64 `json:"client_id"`
	ServerTime int64 `json:"server_time"`
}

// SubscribeRequest replaces the client's station set. The wildcard entry
// WildcardAllZ selects every vertical channel.
type SubscribeRequest struct {
	Stations []string `json:"stations"`
}

// ResolutionRequest sets the client's display width in pixels, which drives
// the per-client downsample factor.
type ResolutionRequest struct {
	Width int `json:"width"`
}

// HistoricalRequest asks for a replay of the recent past for a set of
// stations; the one-element list [WildcardAllZ] selects every vertical
// channel.
type HistoricalRequest struct {
	Stations      []string `json:"stations"`
	WindowSeconds int      `json:"window_seconds"`
}

// WaveTrace is one processed, downsampled sample array as sent to clients.
type WaveTrace struct {
	Waveform          []float64 `json:"waveform"`
	PGA               float64   `json:"pga"`
	StartT            float64   `json:"startt"`
	EndT              float64   `json:"endt"`
	SampRate          int       `json:"samprate"`
	EffectiveSampRate float64   `json:"effective_samprate"`
	OriginalLength    int       `json:"original_length"`
	DownsampledLength int       `json:"downsampled_length"`
	DownsampleFactor  int       `json:"downsample_factor"`
}

// WavePacket carries the traces a client receives for one fanout tick or one
// historical replay window. The waveid names the batch, not a single stream.
type WavePacket struct {
	WaveID    string               `json:"waveid"`
	Timestamp int64                `json:"timestamp"`
	Traces    map[string]WaveTrace `json:"data"`
}

// PicksBatch is the deduplicated pick set for a replayed span.
type PicksBatch struct {
	Picks []*pick.Pick `json:"picks"`
	Count int          `json:"count"`
}

// Broadcast wraps picks and alerts for delivery to every connected client.
type Broadcast struct {
	Type      string `json:"type"`
	Content   any    `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload is sent on malformed requests and failed replays.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
