package bus

import (
	"encoding/binary"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeI4(samples ...int32) string {
	buf := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return string(buf)
}

func encodeI2(samples ...int16) string {
	buf := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return string(buf)
}

func encodeF4(samples ...float32) string {
	buf := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return string(buf)
}

func encodeF8(samples ...float64) string {
	buf := make([]byte, 8*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return string(buf)
}

func waveRecord(data string, extra map[string]string) Record {
	fields := map[string]string{
		"data":   data,
		"startt": "1700000000.0",
		"endt":   "1700000001.0",
	}
	for k, v := range extra {
		fields[k] = v
	}
	return Record{ID: "1700000000000-0", Fields: fields}
}

func TestDecodePacketDatatypes(t *testing.T) {
	cases := []struct {
		datatype string
		data     string
		want     []float64
	}{
		{"i2", encodeI2(-3, 7, 32767), []float64{-3, 7, 32767}},
		{"i4", encodeI4(-100000, 0, 100000), []float64{-100000, 0, 100000}},
		{"f4", encodeF4(1.5, -2.25), []float64{1.5, -2.25}},
		{"f8", encodeF8(3.14159, -1e6), []float64{3.14159, -1e6}},
	}

	for _, tc := range cases {
		t.Run(tc.datatype, func(t *testing.T) {
			rec := waveRecord(tc.data, map[string]string{"datatype": tc.datatype})
			pkt, err := DecodePacket("wave:AAA:HLZ", rec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, pkt.Samples)
			assert.Equal(t, tc.datatype, pkt.DataType)
		})
	}
}

func TestDecodePacketDefaults(t *testing.T) {
	// No datatype, samprate or network fields: i4, 100 Hz, legacy rename.
	pkt, err := DecodePacket("wave:AAA:HLZ", waveRecord(encodeI4(1, 2, 3), nil))
	require.NoError(t, err)

	assert.Equal(t, "AAA", pkt.Station)
	assert.Equal(t, "HLZ", pkt.Channel)
	assert.Equal(t, "SM", pkt.Network)
	assert.Equal(t, "01", pkt.Location)
	assert.Equal(t, 100, pkt.SampRate)
	assert.Equal(t, "SM.AAA.01.HLZ", pkt.WaveID())
	assert.Equal(t, 1700000000.0, pkt.StartT)
}

func TestDecodePacketKeepsForeignNetwork(t *testing.T) {
	pkt, err := DecodePacket("wave:AAA:HLZ", waveRecord(encodeI4(1), map[string]string{
		"network":  "JP",
		"location": "02",
	}))
	require.NoError(t, err)
	assert.Equal(t, "JP", pkt.Network)
	assert.Equal(t, "02", pkt.Location)
}

func TestDecodePacketNsampMismatch(t *testing.T) {
	rec := waveRecord(encodeI4(1, 2, 3), map[string]string{"nsamp": "4"})
	_, err := DecodePacket("wave:AAA:HLZ", rec)
	assert.Error(t, err)

	rec = waveRecord(encodeI4(1, 2, 3), map[string]string{"nsamp": strconv.Itoa(3)})
	_, err = DecodePacket("wave:AAA:HLZ", rec)
	assert.NoError(t, err)
}

func TestDecodePacketMalformed(t *testing.T) {
	_, err := DecodePacket("wave:AAA:HLZ", Record{Fields: map[string]string{"startt": "1", "endt": "2"}})
	assert.Error(t, err, "missing data")

	_, err = DecodePacket("wave:AAA:HLZ", waveRecord("abc", nil))
	assert.Error(t, err, "misaligned payload")

	_, err = DecodePacket("wave:AAA:HLZ", waveRecord(encodeI4(1), map[string]string{"datatype": "x9"}))
	assert.Error(t, err, "unknown datatype")

	rec := Record{Fields: map[string]string{"data": encodeI4(1), "endt": "2"}}
	_, err = DecodePacket("wave:AAA:HLZ", rec)
	assert.Error(t, err, "missing startt")

	_, err = DecodePacket("wave:AAA:HLZ", waveRecord(encodeI4(1), map[string]string{"samprate": "-1"}))
	assert.Error(t, err, "bad samprate")
}

func TestSplitWaveKey(t *testing.T) {
	station, channel, err := SplitWaveKey("wave:AAA:HLZ")
	require.NoError(t, err)
	assert.Equal(t, "AAA", station)
	assert.Equal(t, "HLZ", channel)

	for _, bad := range []string{"wave:AAA", "pick", "wave::HLZ", "wave:AAA:", "x:AAA:HLZ"} {
		_, _, err := SplitWaveKey(bad)
		assert.Error(t, err, bad)
	}

	assert.Equal(t, "wave:AAA:HLZ", WaveKey("AAA", "HLZ"))
}

func TestIDAtMillis(t *testing.T) {
	assert.Equal(t, "1700000000000-0", IDAtMillis(1700000000000))
}
