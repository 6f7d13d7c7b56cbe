package bus

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Bus used by tests. It honors ms-seq ID ordering,
// inclusive range scans and glob key matching, but XRead never blocks.
type Fake struct {
	mu      sync.Mutex
	streams map[string][]Record
	seq     map[int64]int64
	err     error
}

func NewFake() *Fake {
	return &Fake{
		streams: make(map[string][]Record),
		seq:     make(map[int64]int64),
	}
}

// SetErr makes every subsequent operation fail with err until cleared with
// nil. Used to exercise the transient-error and replay-failure paths.
func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *Fake) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// AddAt appends a record with an explicit producer wall-clock in epoch ms.
func (f *Fake) AddAt(key string, ms int64, fields map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := fmt.Sprintf("%d-%d", ms, f.seq[ms])
	f.seq[ms]++
	rec := Record{ID: id, Fields: fields}
	f.streams[key] = append(f.streams[key], rec)
	sort.Slice(f.streams[key], func(i, j int) bool {
		return idLess(f.streams[key][i].ID, f.streams[key][j].ID)
	})
	return id
}

func (f *Fake) XAdd(ctx context.Context, key string, fields map[string]any) (string, error) {
	if err := f.failure(); err != nil {
		return "", err
	}
	converted := make(map[string]string, len(fields))
	for k, v := range fields {
		converted[k] = fmt.Sprint(v)
	}
	return f.AddAt(key, time.Now().UnixMilli(), converted), nil
}

func (f *Fake) XRead(ctx context.Context, from map[string]string, count int64, block time.Duration) ([]StreamSlice, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []StreamSlice
	for key, after := range from {
		records := f.streams[key]
		if len(records) == 0 {
			continue
		}
		start := 0
		if after == "$" {
			continue // tip: nothing new in a non-blocking fake
		}
		if after != "0-0" && after != "0" {
			start = sort.Search(len(records), func(i int) bool {
				return idLess(after, records[i].ID)
			})
		}
		if start >= len(records) {
			continue
		}
		end := len(records)
		if count > 0 && start+int(count) < end {
			end = start + int(count)
		}
		out = append(out, StreamSlice{Key: key, Records: append([]Record(nil), records[start:end]...)})
	}
	return out, nil
}

func (f *Fake) XRange(ctx context.Context, key, start, end string) ([]Record, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Record
	for _, rec := range f.streams[key] {
		if !idLess(rec.ID, start) && !idLess(end, rec.ID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *Fake) XRangeBatch(ctx context.Context, keys []string, start, end string) (map[string][]Record, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	out := make(map[string][]Record, len(keys))
	for _, key := range keys {
		records, err := f.XRange(ctx, key, start, end)
		if err != nil {
			return nil, err
		}
		out[key] = records
	}
	return out, nil
}

func (f *Fake) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.streams {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// idLess compares two ms-seq stream IDs.
func idLess(a, b string) bool {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func splitID(id string) (int64, int64) {
	ms, seq, found := strings.Cut(id, "-")
	m, _ := strconv.ParseInt(ms, 10, 64)
	if !found {
		return m, 0
	}
	s, _ := strconv.ParseInt(seq, 10, 64)
	return m, s
}
