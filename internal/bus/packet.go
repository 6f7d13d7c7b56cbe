package bus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RawPacket is one decoded waveform record from a wave:{station}:{channel}
// stream. Samples are raw digitizer counts widened to float64; the original
// dtype is kept for diagnostics.
type RawPacket struct {
	Station  string
	Channel  string
	Network  string
	Location string
	StartT   float64
	EndT     float64
	SampRate int
	DataType string
	Samples  []float64
}

// WaveID renders the canonical SCNL id "network.station.location.channel".
// Legacy naming is already normalized during decode.
func (p *RawPacket) WaveID() string {
	return p.Network + "." + p.Station + "." + p.Location + "." + p.Channel
}

// SplitWaveKey parses "wave:{station}:{channel}".
func SplitWaveKey(key string) (station, channel string, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "wave" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("malformed wave key %q", key)
	}
	return parts[1], parts[2], nil
}

// WaveKey renders the stream key for a station-channel pair.
func WaveKey(station, channel string) string {
	return "wave:" + station + ":" + channel
}

// DecodePacket turns a raw bus record from a wave stream into a RawPacket.
// The station and channel come from the stream key; the remaining metadata
// and the little-endian sample blob come from the record fields. The legacy
// TW network is renamed to SM with location 01 (opaque label mapping).
func DecodePacket(key string, rec Record) (*RawPacket, error) {
	station, channel, err := SplitWaveKey(key)
	if err != nil {
		return nil, err
	}

	payload, ok := rec.Fields["data"]
	if !ok || payload == "" {
		return nil, fmt.Errorf("%s %s: missing data field", key, rec.ID)
	}

	datatype := rec.Fields["datatype"]
	if datatype == "" {
		datatype = "i4"
	}
	samples, err := DecodeSamples([]byte(payload), datatype)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", key, rec.ID, err)
	}

	startt, err := parseFloatField(rec.Fields, "startt")
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", key, rec.ID, err)
	}
	endt, err := parseFloatField(rec.Fields, "endt")
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", key, rec.ID, err)
	}

	samprate := 100
	if raw, ok := rec.Fields["samprate"]; ok {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("%s %s: bad samprate %q", key, rec.ID, raw)
		}
		samprate = int(f)
	}

	if raw, ok := rec.Fields["nsamp"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n != len(samples) {
			return nil, fmt.Errorf("%s %s: nsamp %q does not match %d decoded samples",
				key, rec.ID, raw, len(samples))
		}
	}

	network := rec.Fields["network"]
	if network == "" {
		network = "TW"
	}
	location := rec.Fields["location"]
	if network == "TW" {
		network = "SM"
		location = "01"
	}

	return &RawPacket{
		Station:  station,
		Channel:  channel,
		Network:  network,
		Location: location,
		StartT:   startt,
		EndT:     endt,
		SampRate: samprate,
		DataType: datatype,
		Samples:  samples,
	}, nil
}

// DecodeSamples interprets a little-endian payload blob per the record's
// datatype field: i2, i4, f4 or f8.
func DecodeSamples(data []byte, datatype string) ([]float64, error) {
	var width int
	switch datatype {
	case "i2":
		width = 2
	case "i4", "f4":
		width = 4
	case "f8":
		width = 8
	default:
		return nil, fmt.Errorf("unknown datatype %q", datatype)
	}
	if len(data)%width != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not aligned to %s samples", len(data), datatype)
	}

	n := len(data) / width
	samples := make([]float64, n)
	switch datatype {
	case "i2":
		for i := 0; i < n; i++ {
			samples[i] = float64(int16(binary.LittleEndian.Uint16(data[i*2:])))
		}
	case "i4":
		for i := 0; i < n; i++ {
			samples[i] = float64(int32(binary.LittleEndian.Uint32(data[i*4:])))
		}
	case "f4":
		for i := 0; i < n; i++ {
			samples[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		}
	case "f8":
		for i := 0; i < n; i++ {
			samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
	}
	return samples, nil
}

func parseFloatField(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("missing %s field", name)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s field %q", name, raw)
	}
	return f, nil
}
