package bus

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ttsam-rt/dispatcher/internal/monitoring"
)

// ReaderConfig tunes the live tail loop.
type ReaderConfig struct {
	// DiscoveryInterval is how often ScanKeys runs to pick up new stations.
	DiscoveryInterval time.Duration
	// ReadBlock bounds each blocking multi-stream read.
	ReadBlock time.Duration
	// ReadCount caps records per key per poll.
	ReadCount int
	// WaveQueue is the capacity of the decoded-packet channel. Overflow is
	// drop-newest: the live path never blocks on downstream stalls.
	WaveQueue int
	// PickQueue and EEWQueue bound the singleton-stream channels.
	PickQueue int
	EEWQueue  int
}

// Reader tails the wave Z-channel streams plus the pick and eew singletons,
// decoding wave records and handing everything downstream through bounded
// channels. One Reader goroutine per bus connection is sufficient.
type Reader struct {
	bus    Bus
	cfg    ReaderConfig
	logger zerolog.Logger

	// offsets holds the next-read position per stream key.
	offsets map[string]string

	// badKeys records wave keys already reported as malformed so each
	// (station, channel) is logged once.
	badKeys map[string]struct{}

	waves chan *RawPacket
	picks chan Record
	eews  chan Record
}

func NewReader(b Bus, cfg ReaderConfig, logger zerolog.Logger) *Reader {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 5 * time.Second
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = 100 * time.Millisecond
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 100
	}
	if cfg.WaveQueue <= 0 {
		cfg.WaveQueue = 4096
	}
	if cfg.PickQueue <= 0 {
		cfg.PickQueue = 256
	}
	if cfg.EEWQueue <= 0 {
		cfg.EEWQueue = 64
	}

	return &Reader{
		bus:    b,
		cfg:    cfg,
		logger: logger.With().Str("component", "bus_reader").Logger(),
		offsets: map[string]string{
			// The singletons start at the tip: stale picks and alerts are
			// not replayed into the live path.
			PickStream: "$",
			EEWStream:  "$",
		},
		badKeys: make(map[string]struct{}),
		waves:   make(chan *RawPacket, cfg.WaveQueue),
		picks:   make(chan Record, cfg.PickQueue),
		eews:    make(chan Record, cfg.EEWQueue),
	}
}

// Waves delivers decoded wave packets in bus order per stream key.
func (r *Reader) Waves() <-chan *RawPacket { return r.waves }

// Picks delivers raw pick-stream records.
func (r *Reader) Picks() <-chan Record { return r.picks }

// EEW delivers raw eew-stream records.
func (r *Reader) EEW() <-chan Record { return r.eews }

// Run tails the bus until the context is cancelled. Transient bus errors
// back off 100 ms and retry; the loop never terminates on its own.
func (r *Reader) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(r.logger, "bus_reader", nil)
	defer close(r.waves)
	defer close(r.picks)
	defer close(r.eews)

	r.discover(ctx)
	lastDiscovery := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(lastDiscovery) >= r.cfg.DiscoveryInterval {
			r.discover(ctx)
			lastDiscovery = time.Now()
		}

		slices, err := r.bus.XRead(ctx, r.offsets, int64(r.cfg.ReadCount), r.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			monitoring.BusReadErrors.Inc()
			r.logger.Warn().Err(err).Msg("Bus read failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, slice := range slices {
			r.dispatch(slice)
		}
	}
}

// discover scans for new Z-channel wave streams. New keys start from the
// earliest retained offset so a just-started reader picks up recent data.
func (r *Reader) discover(ctx context.Context) {
	keys, err := r.bus.ScanKeys(ctx, LiveWavePattern)
	if err != nil {
		if ctx.Err() == nil {
			monitoring.BusReadErrors.Inc()
			r.logger.Warn().Err(err).Msg("Stream discovery failed")
		}
		return
	}

	added := 0
	for _, key := range keys {
		if _, tracked := r.offsets[key]; !tracked {
			r.offsets[key] = "0-0"
			added++
		}
	}
	if added > 0 {
		r.logger.Info().
			Int("new_streams", added).
			Int("total_streams", len(r.offsets)-2).
			Msg("Discovered wave streams")
	}
	monitoring.StreamsTracked.Set(float64(len(r.offsets) - 2))
}

func (r *Reader) dispatch(slice StreamSlice) {
	if len(slice.Records) == 0 {
		return
	}
	r.offsets[slice.Key] = slice.Records[len(slice.Records)-1].ID

	switch slice.Key {
	case PickStream:
		for _, rec := range slice.Records {
			monitoring.BusRecordsConsumed.WithLabelValues("pick").Inc()
			select {
			case r.picks <- rec:
			default:
				monitoring.RecordsDropped.WithLabelValues("reader_pick").Inc()
			}
		}
	case EEWStream:
		for _, rec := range slice.Records {
			monitoring.BusRecordsConsumed.WithLabelValues("eew").Inc()
			select {
			case r.eews <- rec:
			default:
				monitoring.RecordsDropped.WithLabelValues("reader_eew").Inc()
			}
		}
	default:
		for _, rec := range slice.Records {
			monitoring.BusRecordsConsumed.WithLabelValues("wave").Inc()
			pkt, err := DecodePacket(slice.Key, rec)
			if err != nil {
				monitoring.BusMalformedRecords.Inc()
				if _, seen := r.badKeys[slice.Key]; !seen {
					r.badKeys[slice.Key] = struct{}{}
					r.logger.Warn().Err(err).Str("key", slice.Key).Msg("Dropping malformed wave records")
				}
				continue
			}
			select {
			case r.waves <- pkt:
			default:
				monitoring.RecordsDropped.WithLabelValues("reader_wave").Inc()
			}
		}
	}
}
