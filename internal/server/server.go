package server

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/ttsam-rt/dispatcher/internal/bus"
	"github.com/ttsam-rt/dispatcher/internal/config"
	"github.com/ttsam-rt/dispatcher/internal/dsp"
	"github.com/ttsam-rt/dispatcher/internal/monitoring"
	"github.com/ttsam-rt/dispatcher/internal/pick"
	"github.com/ttsam-rt/dispatcher/internal/station"
)

// A pick older than this on arrival is history, not news. The historical
// replay path covers it instead.
const stalePickAge = 10 * time.Second

// Server owns the full dispatch graph: bus reader, signal pipeline, window
// store, pick deduper and the WebSocket fanout.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus      bus.Bus
	reader   *bus.Reader
	pipeline *dsp.Pipeline
	windows  *station.Store
	table    *station.Table
	deduper  *pick.Deduper
	registry *Registry
	sampler  *monitoring.SystemSampler

	clients   sync.Map // map[*Client]struct{}
	clientSeq int64

	listener net.Listener
	httpSrv  *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32

	// lastEndT holds the newest packet end-time (epoch seconds, float64
	// bits) seen on the live path, for the health endpoint's lag figure.
	lastEndT  uint64
	startTime time.Time
}

func New(cfg *config.Config, b bus.Bus, table *station.Table, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	reader := bus.NewReader(b, bus.ReaderConfig{
		DiscoveryInterval: cfg.DiscoveryInterval,
		ReadBlock:         cfg.ReadBlock,
		ReadCount:         cfg.ReadCount,
		WaveQueue:         cfg.WaveQueue,
	}, logger)

	pipeline, err := dsp.NewPipeline(reader.Waves(), table, dsp.PipelineConfig{
		CornerHz:     cfg.LowpassHz,
		SampleRate:   cfg.SampleRate,
		Order:        cfg.FilterOrder,
		TickInterval: cfg.TickInterval,
		TickQueue:    cfg.TickQueue,
		Workers:      cfg.Workers,
	}, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	windows := station.NewStore(cfg.WindowSec * cfg.SampleRate)

	sampler, err := monitoring.NewSystemSampler(cfg.MetricsInterval, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	srv := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		bus:       b,
		reader:    reader,
		pipeline:  pipeline,
		windows:   windows,
		table:     table,
		deduper:   pick.NewDeduper(time.Duration(cfg.HistorySec)*time.Second, logger),
		registry:  NewRegistry(cfg.DefaultWidthPx),
		sampler:   sampler,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	// The window store holds raw counts; the processing chain runs on
	// snapshot, keeping live and on-demand paths numerically identical.
	pipeline.OnIngest = func(pkt *bus.RawPacket) {
		windows.Write(pkt.WaveID(), pkt.Samples)
		atomic.StoreUint64(&srv.lastEndT, math.Float64bits(pkt.EndT))
	}
	return srv, nil
}

// Start binds the listener and launches every loop. Non-blocking.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info().Str("addr", s.cfg.Addr()).Msg("Dispatcher listening")

	s.spawn("bus_reader", func() { s.reader.Run(s.ctx) })
	s.spawn("signal_pipeline", func() { s.pipeline.Run(s.ctx) })
	s.spawn("fanout_loop", s.fanoutLoop)
	s.spawn("pick_loop", s.pickLoop)
	s.spawn("eew_loop", s.eewLoop)
	s.spawn("pick_reaper", func() { s.deduper.RunReaper(s.ctx, time.Minute) })
	s.spawn("system_sampler", func() { s.sampler.Run(s.ctx) })

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/station_window/", s.handleStationWindow)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	s.spawn("http_serve", func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP serve loop error")
		}
	})
	return nil
}

func (s *Server) spawn(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, name, nil)
		fn()
	}()
}

func (s *Server) fanoutLoop() {
	for tick := range s.pipeline.Out() {
		s.fanoutTick(tick)
	}
}

// pickLoop gates retransmitted picks and broadcasts each unique pick once.
func (s *Server) pickLoop() {
	for rec := range s.reader.Picks() {
		data, err := json.Marshal(rec.Fields)
		if err != nil {
			continue
		}
		p, err := pick.Parse(data)
		if err != nil {
			monitoring.BusMalformedRecords.Inc()
			s.logger.Warn().Err(err).Str("id", rec.ID).Msg("Dropping malformed pick")
			continue
		}

		best, gate := s.deduper.Observe(p)
		if !gate {
			continue
		}
		if age := time.Since(time.UnixMilli(int64(p.PickTime * 1000))); age > stalePickAge {
			s.logger.Debug().Str("wave_id", p.WaveID()).Dur("age", age).Msg("Skipping stale pick")
			continue
		}
		s.broadcast(EvtPickPacket, Broadcast{
			Type:      "pick",
			Content:   s.enrichPick(best),
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

// enrichPick fills missing coordinates from the site-info table so clients
// can plot picks from producers that omit location.
func (s *Server) enrichPick(p *pick.Pick) *pick.Pick {
	if p.Lat != 0 || p.Lon != 0 {
		return p
	}
	loc, ok := s.table.Location(p.Station)
	if !ok {
		return p
	}
	out := *p
	out.Lat = loc.Latitude
	out.Lon = loc.Longitude
	return &out
}

// eewLoop relays alert records verbatim. Alerts are rare and every client
// gets them.
func (s *Server) eewLoop() {
	for rec := range s.reader.EEW() {
		s.broadcast(EvtEEWPacket, Broadcast{
			Type:      "eew",
			Content:   rec.Fields["data"],
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := newClient(s.ctx, atomic.AddInt64(&s.clientSeq, 1), conn, s.cfg.ClientQueue)
	s.clients.Store(c, struct{}{})
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()

	if frame, err := NewFrame(EvtConnectInit, ConnectInit{
		ClientID:   c.id,
		ServerTime: time.Now().UnixMilli(),
	}); err == nil {
		c.enqueue(frame, EvtConnectInit)
	}

	s.logger.Info().Int64("client_id", c.id).Str("remote", r.RemoteAddr).Msg("Client connected")

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) disconnect(c *Client) {
	c.close()
	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return
	}
	s.registry.Drop(c)
	monitoring.ConnectionsActive.Dec()
	s.logger.Info().
		Int64("client_id", c.id).
		Dur("connected", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}

func (s *Server) handleClientEvent(c *Client, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError(c, "BAD_JSON", "message is not valid JSON")
		return
	}

	switch frame.Event {
	case EvtSubscribeStations:
		var req SubscribeRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.sendError(c, "BAD_REQUEST", "invalid subscribe payload")
			return
		}
		s.registry.Subscribe(c, req.Stations)
		s.logger.Debug().Int64("client_id", c.id).Int("stations", len(req.Stations)).Msg("Client subscribed")

	case EvtSetDisplayResolution:
		var req ResolutionRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.Width < 1 {
			s.sendError(c, "BAD_REQUEST", "invalid resolution payload")
			return
		}
		s.registry.SetWidth(c, req.Width)

	case EvtRequestHistoricalData:
		var req HistoricalRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil || len(req.Stations) == 0 {
			s.sendError(c, "BAD_REQUEST", "invalid historical request")
			return
		}
		go s.runHistorical(c, req)

	default:
		s.sendError(c, "UNKNOWN_EVENT", "unknown event "+frame.Event)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	active := 0
	s.clients.Range(func(_, _ any) bool { active++; return true })

	// Lag between wall clock and the newest packet end-time. Negative or
	// absent data reads as -1.
	lag := -1.0
	if bits := atomic.LoadUint64(&s.lastEndT); bits != 0 {
		lag = float64(time.Now().UnixMilli())/1000 - math.Float64frombits(bits)
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_sec":     time.Since(s.startTime).Seconds(),
		"clients":        active,
		"window_buffers": s.windows.Len(),
		"pick_keys":      s.deduper.Len(),
		"wave_lag_sec":   lag,
	})
}

// handleStationWindow serves the current processed window of every channel
// tracked for one station, for dashboards that poll instead of subscribing.
func (s *Server) handleStationWindow(w http.ResponseWriter, r *http.Request) {
	stationCode := strings.TrimPrefix(r.URL.Path, "/api/station_window/")
	if stationCode == "" || strings.Contains(stationCode, "/") {
		http.Error(w, "station required", http.StatusBadRequest)
		return
	}

	ids := s.windows.ByStation(stationCode)
	if len(ids) == 0 {
		http.Error(w, "unknown station", http.StatusNotFound)
		return
	}

	now := float64(time.Now().UnixMilli()) / 1000
	traces := make(map[string]WaveTrace, len(ids))
	for _, id := range ids {
		raw := s.windows.Snapshot(id)
		if raw == nil {
			continue
		}
		_, channel := splitWaveID(id)
		samples, pga := s.pipeline.ProcessTrace(stationCode, channel, raw, s.cfg.SampleRate)
		startt := now - float64(len(samples))/float64(s.cfg.SampleRate)
		traces[id] = BuildTrace(samples, pga, startt, now, s.cfg.SampleRate, s.cfg.DefaultWidthPx)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"station": stationCode,
		"traces":  traces,
	})
}

// Shutdown closes the listener, drains client connections and stops every
// loop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.httpSrv != nil {
		s.httpSrv.Shutdown(ctx)
	}

	s.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*Client); ok {
			c.close()
		}
		return true
	})

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Shutdown complete")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timed out with goroutines still running")
		return ctx.Err()
	}
}
