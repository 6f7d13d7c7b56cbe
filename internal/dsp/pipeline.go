package dsp

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/ttsam-rt/dispatcher/internal/bus"
	"github.com/ttsam-rt/dispatcher/internal/monitoring"
)

// Processed is one calibrated, demeaned, low-passed sample array.
type Processed struct {
	WaveID   string
	StartT   float64
	EndT     float64
	SampRate int
	Samples  []float64
	PGA      float64
}

// Calibrator resolves the counts-to-physical-units constant for a channel.
type Calibrator interface {
	Constant(station, channel string) float64
}

// PipelineConfig tunes the live batch path.
type PipelineConfig struct {
	CornerHz     float64
	SampleRate   int
	Order        int
	TickInterval time.Duration // batch collection window, default 100ms
	TickQueue    int           // bounded output queue, drop-newest
	Workers      int           // 0 = GOMAXPROCS
	MaxBatch     int           // hard cap on arrays per tick
}

// Pipeline batches raw packets from the bus reader, processes them as one
// matrix (zero-pad to the longest array, filter along the time axis, unpad)
// and emits ticks of processed packets. A per-array fallback covers batches
// the matrix path rejects.
type Pipeline struct {
	cfg    PipelineConfig
	calib  Calibrator
	filt   *Lowpass
	in     <-chan *bus.RawPacket
	out    chan []*Processed
	pool   *Pool
	logger zerolog.Logger

	// OnIngest, when set, sees every packet before processing. The server
	// uses it to feed the per-station window store; it runs on the single
	// collector goroutine so the store keeps one writer.
	OnIngest func(*bus.RawPacket)
}

func NewPipeline(in <-chan *bus.RawPacket, calib Calibrator, cfg PipelineConfig, logger zerolog.Logger) (*Pipeline, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.TickQueue <= 0 {
		cfg.TickQueue = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 2048
	}

	filt, err := NewLowpass(cfg.CornerHz, float64(cfg.SampleRate), cfg.Order)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:    cfg,
		calib:  calib,
		filt:   filt,
		in:     in,
		out:    make(chan []*Processed, cfg.TickQueue),
		pool:   NewPool(cfg.Workers, logger),
		logger: logger.With().Str("component", "signal_pipeline").Logger(),
	}, nil
}

// Out delivers ticks: one slice of processed packets per batch window.
func (p *Pipeline) Out() <-chan []*Processed { return p.out }

// Run collects and processes batches until the context is cancelled or the
// input channel closes.
func (p *Pipeline) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(p.logger, "signal_pipeline", nil)
	defer close(p.out)

	p.pool.Start(ctx)

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	batch := make([]*bus.RawPacket, 0, 256)
	for {
		select {
		case <-ctx.Done():
			return

		case pkt, ok := <-p.in:
			if !ok {
				if len(batch) > 0 {
					p.emit(p.ProcessBatch(batch))
				}
				return
			}
			if p.OnIngest != nil {
				p.OnIngest(pkt)
			}
			batch = append(batch, pkt)
			if len(batch) >= p.cfg.MaxBatch {
				p.emit(p.ProcessBatch(batch))
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) == 0 {
				continue
			}
			p.emit(p.ProcessBatch(batch))
			batch = batch[:0]
		}
	}
}

func (p *Pipeline) emit(tick []*Processed) {
	if len(tick) == 0 {
		return
	}
	select {
	case p.out <- tick:
	default:
		monitoring.RecordsDropped.WithLabelValues("pipeline_tick").Inc()
	}
}

// ProcessBatch runs the full signal chain over a batch of raw packets:
// calibration scale, demean, one matrix filter pass, unpad, PGA.
func (p *Pipeline) ProcessBatch(batch []*bus.RawPacket) []*Processed {
	monitoring.BatchSize.Observe(float64(len(batch)))

	maxLen := 0
	for _, pkt := range batch {
		if len(pkt.Samples) > maxLen {
			maxLen = len(pkt.Samples)
		}
	}
	if maxLen == 0 {
		return nil
	}

	// Zero-pad into a matrix; scale and demean each row in parallel.
	// Demean runs over the original extent only so padding stays zero.
	rows := make([][]float64, len(batch))
	tasks := make([]Task, len(batch))
	for i, pkt := range batch {
		i, pkt := i, pkt
		tasks[i] = func() {
			row := make([]float64, maxLen)
			copy(row, pkt.Samples)
			c := p.calib.Constant(pkt.Station, pkt.Channel)
			Scale(row[:len(pkt.Samples)], c)
			Demean(row[:len(pkt.Samples)])
			rows[i] = row
		}
	}
	p.pool.RunAll(tasks)

	if err := p.filt.FilterMatrix(rows); err != nil {
		monitoring.BatchFallbacks.Inc()
		p.logger.Warn().Err(err).Int("batch", len(batch)).Msg("Batch filter failed, falling back to per-array pass")
		out := make([]*Processed, 0, len(batch))
		for _, pkt := range batch {
			out = append(out, p.ProcessOne(pkt))
		}
		return out
	}

	out := make([]*Processed, len(batch))
	finish := make([]Task, len(batch))
	for i, pkt := range batch {
		i, pkt := i, pkt
		finish[i] = func() {
			samples := rows[i][:len(pkt.Samples)]
			out[i] = &Processed{
				WaveID:   pkt.WaveID(),
				StartT:   pkt.StartT,
				EndT:     pkt.EndT,
				SampRate: pkt.SampRate,
				Samples:  samples,
				PGA:      PGA(samples),
			}
		}
	}
	p.pool.RunAll(finish)
	return out
}

// ProcessOne is the individual-array path: identical math to the batch
// path, used as fallback and by tests.
func (p *Pipeline) ProcessOne(pkt *bus.RawPacket) *Processed {
	samples := make([]float64, len(pkt.Samples))
	copy(samples, pkt.Samples)
	Scale(samples, p.calib.Constant(pkt.Station, pkt.Channel))
	Demean(samples)
	p.filt.Filter(samples)
	return &Processed{
		WaveID:   pkt.WaveID(),
		StartT:   pkt.StartT,
		EndT:     pkt.EndT,
		SampRate: pkt.SampRate,
		Samples:  samples,
		PGA:      PGA(samples),
	}
}

// ProcessTrace runs the signal chain over one long reassembled trace for
// the historical path, applying the start-edge taper to the output.
func (p *Pipeline) ProcessTrace(station, channel string, raw []float64, sampRate int) ([]float64, float64) {
	samples := make([]float64, len(raw))
	copy(samples, raw)
	Scale(samples, p.calib.Constant(station, channel))
	Demean(samples)
	p.filt.Filter(samples)
	TaperStart(samples, TaperSamples(sampRate))
	return samples, PGA(samples)
}
