// Package companion bridges the watch to a phone app over a websocket.
//
// Frames are JSON text messages shaped {type, ts, data}. On connect a client
// gets "state_init"; afterwards it receives "activity_state" on every power
// state entry and "orientation" at a fixed rate. While any client is
// connected the server holds one reference on the orientation engine.
//
// Clients may send {"type":"screen_off"}, {"type":"user_activity"} or
// {"type":"zero_yaw"}.
package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wristwake/internal/bus"
	"wristwake/internal/fusion"
	"wristwake/internal/power"
)

const (
	TypeStateInit     = "state_init"
	TypeActivityState = "activity_state"
	TypeOrientation   = "orientation"

	CmdScreenOff    = "screen_off"
	CmdUserActivity = "user_activity"
	CmdZeroYaw      = "zero_yaw"
)

// Orientation is the slice of fusion.Engine the bridge uses.
type Orientation interface {
	Start() error
	Stop()
	Latest() fusion.Sample
}

// Controller receives remote commands. *power.Manager satisfies it.
type Controller interface {
	RequestScreenOff()
	UserActivity()
}

type Config struct {
	Listen              string
	Path                string
	OrientationInterval time.Duration
	SendBuffer          int
	BroadcastBuffer     int
}

func DefaultConfig() Config {
	return Config{
		Listen:              ":8787",
		Path:                "/ws",
		OrientationInterval: 100 * time.Millisecond,
		SendBuffer:          32,
		BroadcastBuffer:     128,
	}
}

type Deps struct {
	Activity    *bus.Channel[power.Activity]
	Orientation Orientation
	Control     Controller
	Logger      *zap.Logger
}

type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

type activityData struct {
	State string    `json:"state"`
	Since time.Time `json:"since"`
}

type stateInitData struct {
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	Known     bool      `json:"known"`
	YawOffset float64   `json:"yaw_offset"`
}

type orientationData struct {
	Roll           float64    `json:"roll"`
	Pitch          float64    `json:"pitch"`
	Yaw            float64    `json:"yaw"`
	Heading        float64    `json:"heading"`
	CompassHeading *float64   `json:"compass_heading,omitempty"`
	EarthAccel     [3]float64 `json:"earth_accel"`
	Quaternion     [4]float64 `json:"quaternion"`
	Ticks          uint64     `json:"ticks"`
}

type inbound struct {
	Type string `json:"type"`
}

type Server struct {
	cfg    Config
	log    *zap.Logger
	hub    *Hub
	orient Orientation
	ctl    Controller
	acts   *bus.Channel[power.Activity]

	upgrader websocket.Upgrader

	mu        sync.Mutex
	holding   bool
	yawOffset float64
}

func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Orientation == nil {
		return nil, errors.New("companion: orientation source is nil")
	}
	if deps.Control == nil {
		return nil, errors.New("companion: controller is nil")
	}
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.OrientationInterval <= 0 {
		cfg.OrientationInterval = def.OrientationInterval
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("companion")

	s := &Server{
		cfg:    cfg,
		log:    log,
		hub:    newHub(log, cfg.SendBuffer, cfg.BroadcastBuffer),
		orient: deps.Orientation,
		ctl:    deps.Control,
		acts:   deps.Activity,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.hub.onOccupied = s.acquire
	s.hub.onEmpty = s.release
	return s, nil
}

func (s *Server) Hub() *Hub { return s.hub }

// Handler serves the websocket endpoint at cfg.Path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	return mux
}

// Run drives the hub and both broadcasters until ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.hub.Run(ctx) }()
	go func() { defer wg.Done(); s.runActivity(ctx) }()
	go func() { defer wg.Done(); s.runOrientation(ctx) }()
	wg.Wait()
}

// ListenAndServe runs the server on cfg.Listen until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("companion: listen %s: %w", s.cfg.Listen, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); s.Run(runCtx) }()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("path", s.cfg.Path))

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = srv.Shutdown(shutCtx)
	shutCancel()
	cancel()
	<-done
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("companion: serve: %w", err)
	}
	return nil
}

// YawOffset is the yaw captured by the last zero_yaw command.
func (s *Server) YawOffset() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.yawOffset
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, s.hub.sendBuf),
		remote: r.RemoteAddr,
	}
	if msg, err := s.stateInit(); err == nil {
		c.send <- msg
	}

	if !s.hub.join(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(s.handleCommand)
}

func (s *Server) stateInit() ([]byte, error) {
	data := stateInitData{State: "unknown", YawOffset: s.YawOffset()}
	if s.acts != nil {
		if a, ok := s.acts.Last(); ok {
			data.State = a.State.String()
			data.Since = a.At
			data.Known = true
		}
	}
	return encode(TypeStateInit, time.Now().UTC(), data)
}

func (s *Server) handleCommand(raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		s.log.Debug("bad command", zap.Error(err))
		return
	}
	switch in.Type {
	case CmdScreenOff:
		s.ctl.RequestScreenOff()
	case CmdUserActivity:
		s.ctl.UserActivity()
	case CmdZeroYaw:
		yaw := s.orient.Latest().Euler.Yaw
		s.mu.Lock()
		s.yawOffset = yaw
		s.mu.Unlock()
		s.log.Info("yaw zeroed", zap.Float64("offset", yaw))
	default:
		s.log.Debug("unknown command", zap.String("type", in.Type))
	}
}

func (s *Server) acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holding {
		return
	}
	if err := s.orient.Start(); err != nil {
		s.log.Warn("orientation start failed", zap.Error(err))
		return
	}
	s.holding = true
}

func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.holding {
		return
	}
	s.orient.Stop()
	s.holding = false
}

func (s *Server) runActivity(ctx context.Context) {
	if s.acts == nil {
		return
	}
	id, ch := s.acts.Subscribe(8)
	defer s.acts.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			msg, err := encode(TypeActivityState, a.At.UTC(), activityData{State: a.State.String(), Since: a.At})
			if err != nil {
				s.log.Warn("encode failed", zap.String("type", TypeActivityState), zap.Error(err))
				continue
			}
			s.hub.Broadcast(msg)
		}
	}
}

func (s *Server) runOrientation(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.OrientationInterval)
	defer ticker.Stop()
	var lastTicks uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.hub.Count() == 0 {
			continue
		}
		sample := s.orient.Latest()
		if sample.Ticks == 0 || sample.Ticks == lastTicks {
			continue
		}
		lastTicks = sample.Ticks
		msg, err := encode(TypeOrientation, sample.At.UTC(), s.orientation(sample))
		if err != nil {
			s.log.Warn("encode failed", zap.String("type", TypeOrientation), zap.Error(err))
			continue
		}
		s.hub.Broadcast(msg)
	}
}

func (s *Server) orientation(sample fusion.Sample) orientationData {
	yaw := fusion.WrapDegrees(sample.Euler.Yaw - s.YawOffset())
	d := orientationData{
		Roll:       sample.Euler.Roll,
		Pitch:      sample.Euler.Pitch,
		Yaw:        yaw,
		Heading:    yaw,
		EarthAccel: [3]float64{sample.EarthAccel.X, sample.EarthAccel.Y, sample.EarthAccel.Z},
		Quaternion: [4]float64{sample.Quat.W, sample.Quat.X, sample.Quat.Y, sample.Quat.Z},
		Ticks:      sample.Ticks,
	}
	if sample.CompassValid {
		h := sample.CompassHeading
		d.CompassHeading = &h
	}
	return d
}

func encode(typ string, ts time.Time, data any) ([]byte, error) {
	return json.Marshal(envelope{Type: typ, Ts: &ts, Data: data})
}
