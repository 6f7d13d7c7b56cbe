package server

import (
	"strings"
	"sync"
)

// WildcardAllZ subscribes a client to every vertical channel.
const WildcardAllZ = "__ALL_Z__"

// Registry holds per-client subscription state: the station set, the
// wildcard flag and the display width. A subscribe replaces the previous
// set wholesale; dropping a client purges every index entry.
type Registry struct {
	mu           sync.RWMutex
	defaultWidth int

	stations  map[*Client]map[string]struct{}
	wildcards map[*Client]struct{}
	byStation map[string]map[*Client]struct{}
	widths    map[*Client]int
}

func NewRegistry(defaultWidth int) *Registry {
	if defaultWidth < 1 {
		defaultWidth = 1000
	}
	return &Registry{
		defaultWidth: defaultWidth,
		stations:     make(map[*Client]map[string]struct{}),
		wildcards:    make(map[*Client]struct{}),
		byStation:    make(map[string]map[*Client]struct{}),
		widths:       make(map[*Client]int),
	}
}

// Subscribe replaces the client's station set.
func (r *Registry) Subscribe(c *Client, stations []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(c)

	set := make(map[string]struct{}, len(stations))
	for _, station := range stations {
		if station == WildcardAllZ {
			r.wildcards[c] = struct{}{}
			continue
		}
		if station == "" {
			continue
		}
		set[station] = struct{}{}
		idx, ok := r.byStation[station]
		if !ok {
			idx = make(map[*Client]struct{})
			r.byStation[station] = idx
		}
		idx[c] = struct{}{}
	}
	r.stations[c] = set
}

// Drop removes every trace of the client.
func (r *Registry) Drop(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c)
	delete(r.widths, c)
}

func (r *Registry) removeLocked(c *Client) {
	for station := range r.stations[c] {
		if idx, ok := r.byStation[station]; ok {
			delete(idx, c)
			if len(idx) == 0 {
				delete(r.byStation, station)
			}
		}
	}
	delete(r.stations, c)
	delete(r.wildcards, c)
}

// SetWidth records the client's display width in pixels.
func (r *Registry) SetWidth(c *Client, width int) {
	if width < 1 {
		return
	}
	r.mu.Lock()
	r.widths[c] = width
	r.mu.Unlock()
}

// Width returns the client's display width, defaulted when never set.
func (r *Registry) Width(c *Client) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.widths[c]; ok {
		return w
	}
	return r.defaultWidth
}

// Covers reports whether the client should receive a trace for the given
// station and channel. The wildcard only matches vertical channels.
func (r *Registry) Covers(c *Client, station, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coversLocked(c, station, channel)
}

func (r *Registry) coversLocked(c *Client, station, channel string) bool {
	if _, ok := r.stations[c][station]; ok {
		return true
	}
	if _, ok := r.wildcards[c]; ok {
		return strings.HasSuffix(channel, "Z")
	}
	return false
}

// Subscribed reports whether the client has any subscription at all.
func (r *Registry) Subscribed(c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.wildcards[c]; ok {
		return true
	}
	return len(r.stations[c]) > 0
}
