// Package station holds per-station state: the calibration constant table
// loaded at startup and the bounded recent-history window buffers.
package station

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultConstant is used for channels missing from the site-info table.
const DefaultConstant = 3.2e-6

type channelKey struct {
	Station string
	Channel string
}

// Coordinates is the optional per-station location from the site-info file.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Table maps (station, channel) to the counts-to-physical-units constant.
// Immutable after load; lookups for unknown channels return the default
// constant and are logged once per pair.
type Table struct {
	constants map[channelKey]float64
	coords    map[string]Coordinates
	logger    zerolog.Logger

	mu     sync.Mutex
	logged map[channelKey]struct{}
}

// LoadTable reads a site-info CSV with columns Station,Channel,Constant and
// optionally Latitude/Longitude. A missing file is not fatal: the dispatcher
// runs with defaults, matching how the legacy system degrades.
func LoadTable(path string, logger zerolog.Logger) (*Table, error) {
	t := &Table{
		constants: make(map[channelKey]float64),
		coords:    make(map[string]Coordinates),
		logger:    logger.With().Str("component", "calibration").Logger(),
		logged:    make(map[channelKey]struct{}),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			t.logger.Warn().Str("path", path).Msg("Site info not found, using default constants")
			return t, nil
		}
		return nil, fmt.Errorf("open site info: %w", err)
	}
	defer f.Close()

	if err := t.parse(f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	t.logger.Info().
		Str("path", path).
		Int("channels", len(t.constants)).
		Int("stations", len(t.coords)).
		Msg("Calibration table loaded")
	return t, nil
}

func (t *Table) parse(r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return err
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"Station", "Channel", "Constant"} {
		if _, ok := col[required]; !ok {
			return fmt.Errorf("missing column %q", required)
		}
	}
	latCol, hasLat := col["Latitude"]
	lonCol, hasLon := col["Longitude"]

	for {
		row, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		station := row[col["Station"]]
		channel := row[col["Channel"]]
		constant, err := strconv.ParseFloat(row[col["Constant"]], 64)
		if err != nil {
			t.logger.Warn().
				Str("station", station).
				Str("channel", channel).
				Str("value", row[col["Constant"]]).
				Msg("Skipping row with unparsable constant")
			continue
		}
		t.constants[channelKey{station, channel}] = constant

		if hasLat && hasLon && latCol < len(row) && lonCol < len(row) {
			lat, latErr := strconv.ParseFloat(row[latCol], 64)
			lon, lonErr := strconv.ParseFloat(row[lonCol], 64)
			if latErr == nil && lonErr == nil {
				t.coords[station] = Coordinates{Latitude: lat, Longitude: lon}
			}
		}
	}
}

// Constant returns the calibration constant for a channel, falling back to
// DefaultConstant. The first miss per (station, channel) is logged.
func (t *Table) Constant(station, channel string) float64 {
	key := channelKey{station, channel}
	if c, ok := t.constants[key]; ok {
		return c
	}

	t.mu.Lock()
	if _, seen := t.logged[key]; !seen {
		t.logged[key] = struct{}{}
		t.mu.Unlock()
		t.logger.Debug().
			Str("station", station).
			Str("channel", channel).
			Float64("default", DefaultConstant).
			Msg("Channel not in site info, using default constant")
		return DefaultConstant
	}
	t.mu.Unlock()
	return DefaultConstant
}

// Location returns the station coordinates when the site-info file had them.
func (t *Table) Location(stationCode string) (Coordinates, bool) {
	c, ok := t.coords[stationCode]
	return c, ok
}
