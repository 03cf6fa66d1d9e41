package plc

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/softplc/pointio"
)

// PointSnapshot is one point's process image for inspection.
type PointSnapshot struct {
	Label        string      `json:"label"`
	Address      string      `json:"address"`
	Value        interface{} `json:"value"`
	Previous     interface{} `json:"previous"`
	NormalClosed bool        `json:"normal_closed,omitempty"`
}

// Snapshot is a point in time copy of the engine state.
type Snapshot struct {
	State            string          `json:"state"`
	Cause            string          `json:"cause"`
	Cycles           uint64          `json:"cycles"`
	LastCycleSeconds float64         `json:"last_cycle_seconds"`
	DigitalIn        []PointSnapshot `json:"digital_in"`
	DigitalOut       []PointSnapshot `json:"digital_out"`
	AnalogIn         []PointSnapshot `json:"analog_in"`
	AnalogOut        []PointSnapshot `json:"analog_out"`
}

// Snapshot copies the current engine state for inspection.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	snap := Snapshot{
		State:            e.state.String(),
		Cause:            e.cause.String(),
		Cycles:           e.cycles,
		LastCycleSeconds: e.lastCycle.Seconds(),
	}
	e.mu.RUnlock()
	snap.DigitalIn = bitSnapshots(e.digitalIn)
	snap.DigitalOut = bitSnapshots(e.digitalOut)
	snap.AnalogIn = numberSnapshots(e.analogIn)
	snap.AnalogOut = numberSnapshots(e.analogOut)
	return snap
}

func bitSnapshots(r *registry[*BitCell]) []PointSnapshot {
	out := make([]PointSnapshot, 0, r.len())
	r.each(func(b *binding[*BitCell]) error {
		curr, prev := b.cell.state()
		out = append(out, PointSnapshot{
			Label:        b.point.Label,
			Address:      b.point.Address,
			Value:        curr,
			Previous:     prev,
			NormalClosed: b.point.NormalClosed,
		})
		return nil
	})
	return out
}

func numberSnapshots(r *registry[*NumberCell]) []PointSnapshot {
	out := make([]PointSnapshot, 0, r.len())
	r.each(func(b *binding[*NumberCell]) error {
		curr, prev := b.cell.state()
		out = append(out, PointSnapshot{
			Label:    b.point.Label,
			Address:  b.point.Address,
			Value:    curr,
			Previous: prev,
		})
		return nil
	})
	return out
}

func (e *Engine) pointSnapshot(class, label string) (PointSnapshot, bool) {
	switch class {
	case pointio.DigitalIn.String(), pointio.DigitalOut.String():
		reg := e.digitalIn
		if class == pointio.DigitalOut.String() {
			reg = e.digitalOut
		}
		b, err := reg.get(label)
		if err != nil {
			return PointSnapshot{}, false
		}
		curr, prev := b.cell.state()
		return PointSnapshot{Label: label, Address: b.point.Address, Value: curr, Previous: prev, NormalClosed: b.point.NormalClosed}, true
	case pointio.AnalogIn.String(), pointio.AnalogOut.String():
		reg := e.analogIn
		if class == pointio.AnalogOut.String() {
			reg = e.analogOut
		}
		b, err := reg.get(label)
		if err != nil {
			return PointSnapshot{}, false
		}
		curr, prev := b.cell.state()
		return PointSnapshot{Label: label, Address: b.point.Address, Value: curr, Previous: prev}, true
	default:
		return PointSnapshot{}, false
	}
}

type liveViewServer struct {
	logger zerolog.Logger
	engine *Engine
	server *http.Server
	ln     net.Listener
}

// EnableLiveView starts the read only inspection server. Call it after
// all points are registered and before Run.
func (e *Engine) EnableLiveView(listen string) error {
	if e.liveView != nil {
		return errors.New("live view already enabled")
	}
	if listen == "" {
		listen = ":18080"
	}
	logger := e.logger.With().Str("component", "live_view").Logger()
	server, err := newLiveViewServer(listen, e, logger)
	if err != nil {
		return err
	}
	e.liveView = server
	return nil
}

// LiveViewAddress returns the live view listen address, if enabled.
func (e *Engine) LiveViewAddress() string {
	if e.liveView == nil {
		return ""
	}
	return e.liveView.ln.Addr().String()
}

func newLiveViewServer(listen string, engine *Engine, logger zerolog.Logger) (*liveViewServer, error) {
	s := &liveViewServer{logger: logger, engine: engine}

	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/api/state", s.handleState)
	router.GET("/api/points/:class/:label", s.handlePoint)
	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: router}
	s.server = srv
	s.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("live view server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return s, nil
}

func (s *liveViewServer) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Snapshot(), s.logger)
}

func (s *liveViewServer) handlePoint(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	snap, ok := s.engine.pointSnapshot(params.ByName("class"), params.ByName("label"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, snap, s.logger)
}

func (s *liveViewServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.engine.State() == StateTerminated {
		http.Error(w, "terminated", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, payload interface{}, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error().Err(err).Msg("encode response")
	}
}

func (s *liveViewServer) close() {
	if s.server != nil {
		if err := s.server.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close live view server")
		}
	}
}
