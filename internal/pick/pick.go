// Package pick decodes P-wave arrival records from the pick stream and
// deduplicates them across retransmissions.
package pick

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Pick is one P-wave arrival report. The upstream picker retransmits each
// pick with an increasing update_sec sequence (0..9) as its parameters
// stabilize; weight 0 is best, 5 worst; instrument 1 is an accelerometer,
// 2 a velocity sensor.
//
// The legacy producer serializes every field as a JSON string, so decoding
// accepts both quoted and bare numbers. Unknown fields are preserved in
// Extra and round-tripped on encode.
type Pick struct {
	Station    string
	Channel    string
	Network    string
	Location   string
	Lon        float64
	Lat        float64
	PGA        float64
	PGV        float64
	Pd         float64
	Tc         float64
	PickTime   float64
	Weight     int
	Instrument int
	UpdateSec  int

	Extra map[string]json.RawMessage
}

// Key identifies a pick across retransmissions.
type Key struct {
	Station  string
	Channel  string
	PickTime float64
}

func (p *Pick) Key() Key {
	return Key{Station: p.Station, Channel: p.Channel, PickTime: p.PickTime}
}

// WaveID renders the pick's SCNL id.
func (p *Pick) WaveID() string {
	return p.Network + "." + p.Station + "." + p.Location + "." + p.Channel
}

var knownFields = map[string]struct{}{
	"station": {}, "channel": {}, "network": {}, "location": {},
	"lon": {}, "lat": {}, "pga": {}, "pgv": {}, "pd": {}, "tc": {},
	"pick_time": {}, "weight": {}, "instrument": {}, "update_sec": {},
}

func (p *Pick) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if p.Station, err = asString(raw, "station"); err != nil {
		return err
	}
	if p.Channel, err = asString(raw, "channel"); err != nil {
		return err
	}
	if p.Network, err = asString(raw, "network"); err != nil {
		return err
	}
	if p.Location, err = asString(raw, "location"); err != nil {
		return err
	}
	if p.Station == "" || p.Channel == "" {
		return fmt.Errorf("pick missing station/channel")
	}

	if p.Lon, err = asFloat(raw, "lon"); err != nil {
		return err
	}
	if p.Lat, err = asFloat(raw, "lat"); err != nil {
		return err
	}
	if p.PGA, err = asFloat(raw, "pga"); err != nil {
		return err
	}
	if p.PGV, err = asFloat(raw, "pgv"); err != nil {
		return err
	}
	if p.Pd, err = asFloat(raw, "pd"); err != nil {
		return err
	}
	if p.Tc, err = asFloat(raw, "tc"); err != nil {
		return err
	}
	if p.PickTime, err = asFloat(raw, "pick_time"); err != nil {
		return err
	}
	if p.Weight, err = asInt(raw, "weight"); err != nil {
		return err
	}
	if p.Instrument, err = asInt(raw, "instrument"); err != nil {
		return err
	}
	if p.UpdateSec, err = asInt(raw, "update_sec"); err != nil {
		return err
	}

	for k, v := range raw {
		if _, known := knownFields[k]; known {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	return nil
}

func (p *Pick) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 14+len(p.Extra))
	for k, v := range p.Extra {
		out[k] = v
	}
	out["station"] = p.Station
	out["channel"] = p.Channel
	out["network"] = p.Network
	out["location"] = p.Location
	out["lon"] = p.Lon
	out["lat"] = p.Lat
	out["pga"] = p.PGA
	out["pgv"] = p.PGV
	out["pd"] = p.Pd
	out["tc"] = p.Tc
	out["pick_time"] = p.PickTime
	out["weight"] = p.Weight
	out["instrument"] = p.Instrument
	out["update_sec"] = p.UpdateSec
	return json.Marshal(out)
}

// Parse decodes one pick-stream payload.
func Parse(data []byte) (*Pick, error) {
	p := &Pick{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse pick: %w", err)
	}
	return p, nil
}

func asString(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("pick field %s: %w", key, err)
	}
	return s, nil
}

func asFloat(raw map[string]json.RawMessage, key string) (float64, error) {
	v, ok := raw[key]
	if !ok {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("pick field %s: %w", key, err)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("pick field %s: %w", key, err)
	}
	return f, nil
}

func asInt(raw map[string]json.RawMessage, key string) (int, error) {
	f, err := asFloat(raw, key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}
