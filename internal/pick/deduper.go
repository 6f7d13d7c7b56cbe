package pick

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ttsam-rt/dispatcher/internal/monitoring"
)

// GateUpdateSec is the retransmission sequence number that first releases a
// pick to live subscribers. Earlier updates carry unstable parameters.
const GateUpdateSec = 2

type entry struct {
	best     *Pick
	gated    bool
	lastSeen time.Time
}

// Deduper collapses pick retransmissions. Each (station, channel, pick_time)
// key keeps the report with the highest update_sec, first arrival winning
// ties; the live gate opens once per key, the first time update_sec reaches
// GateUpdateSec.
type Deduper struct {
	mu        sync.Mutex
	entries   map[Key]*entry
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDeduper creates a deduper that forgets keys retention after their last
// retransmission. Retention must cover the historical replay window so a
// replayed pick is not re-gated as new.
func NewDeduper(retention time.Duration, logger zerolog.Logger) *Deduper {
	if retention < 2*time.Minute {
		retention = 2 * time.Minute
	}
	return &Deduper{
		entries:   make(map[Key]*entry),
		retention: retention,
		logger:    logger.With().Str("component", "pick_deduper").Logger(),
		now:       time.Now,
	}
}

// Observe records a retransmission and returns the best report seen for the
// key plus whether the live gate opened on this call.
func (d *Deduper) Observe(p *Pick) (best *Pick, gate bool) {
	monitoring.PicksObserved.Inc()

	d.mu.Lock()
	defer d.mu.Unlock()

	key := p.Key()
	e, ok := d.entries[key]
	if !ok {
		e = &entry{best: p}
		d.entries[key] = e
	} else if p.UpdateSec > e.best.UpdateSec {
		e.best = p
	}
	e.lastSeen = d.now()

	if !e.gated && p.UpdateSec >= GateUpdateSec {
		e.gated = true
		gate = true
		monitoring.PicksEmitted.Inc()
	}
	return e.best, gate
}

// Reap drops keys idle longer than the retention window and returns the
// number removed.
func (d *Deduper) Reap() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.retention)
	removed := 0
	for key, e := range d.entries {
		if e.lastSeen.Before(cutoff) {
			delete(d.entries, key)
			removed++
		}
	}
	return removed
}

// RunReaper reaps periodically until the context is cancelled.
func (d *Deduper) RunReaper(ctx context.Context, interval time.Duration) {
	defer monitoring.RecoverPanic(d.logger, "pick_reaper", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Reap(); n > 0 {
				d.logger.Debug().Int("reaped", n).Msg("Expired pick keys reaped")
			}
		}
	}
}

// Len reports the number of tracked keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// DedupeBatch collapses a replayed slice of picks to one report per key,
// keeping the highest update_sec with first arrival winning ties. Order of
// first appearance is preserved.
func DedupeBatch(picks []*Pick) []*Pick {
	bestByKey := make(map[Key]int, len(picks))
	out := make([]*Pick, 0, len(picks))
	for _, p := range picks {
		key := p.Key()
		if i, ok := bestByKey[key]; ok {
			if p.UpdateSec > out[i].UpdateSec {
				out[i] = p
			}
			continue
		}
		bestByKey[key] = len(out)
		out = append(out, p)
	}
	return out
}
