// Package server wires the processing pipeline, the databases and the HTTP API into a single process
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/server/alerts"
	"github.com/cyclopcam/wardwatch/server/authz"
	"github.com/cyclopcam/wardwatch/server/behavior"
	"github.com/cyclopcam/wardwatch/server/broadcast"
	"github.com/cyclopcam/wardwatch/server/config"
	"github.com/cyclopcam/wardwatch/server/eventlog"
	"github.com/cyclopcam/wardwatch/server/perception"
	"github.com/cyclopcam/wardwatch/server/pipeline"
	"github.com/cyclopcam/wardwatch/server/snapshot"
	"github.com/cyclopcam/wardwatch/server/staffdb"
	"github.com/cyclopcam/wardwatch/server/vehicle"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// How often old alerts are purged
const alertPurgeInterval = time.Hour

type Server struct {
	Log              logs.Log
	Config           *config.Config
	ShutdownComplete chan error // Sent when Shutdown() is done

	startedAt  time.Time
	alerts     *alerts.Manager
	staff      *staffdb.StaffDB
	events     *eventlog.Log
	hub        *broadcast.Hub
	storage    snapshot.Storage
	snapshots  *snapshot.Writer
	source     *perception.HTTPFrameSource
	embedder   nn.CoarseEmbedder
	face       nn.FaceEmbedder // nil if no face model is configured
	authz      *authz.Engine
	behavior   *behavior.Engine
	pipeline   *pipeline.Orchestrator
	registry   *prometheus.Registry
	wsUpgrader websocket.Upgrader

	shutdownLock sync.Mutex
	started      bool
	isShutdown   bool
	stopPurge    chan struct{}
	purgeDone    chan struct{}
	closers      []func() // Run in reverse order on shutdown
	signalIn     chan os.Signal
	httpServer   *http.Server
	httpRouter   *httprouter.Router
}

// NewServer opens all databases and model clients, and builds the pipeline.
// The pipeline is not started until Start() is called.
func NewServer(log logs.Log, cfg *config.Config) (*Server, error) {
	s := &Server{
		Log:              log,
		Config:           cfg,
		ShutdownComplete: make(chan error, 1),
		startedAt:        time.Now(),
		hub:              broadcast.NewHub(log),
		registry:         prometheus.NewRegistry(),
		stopPurge:        make(chan struct{}),
		purgeDone:        make(chan struct{}),
	}
	s.wsUpgrader.CheckOrigin = func(r *http.Request) bool { return true }
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.closers = append(s.closers, s.hub.Close)

	if err := s.open(); err != nil {
		s.close()
		return nil, err
	}
	if err := s.setupHttpRoutes(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *Server) open() error {
	cfg := s.Config
	var err error

	if cfg.MQTT != nil && cfg.MQTT.Broker != "" {
		sink, err := broadcast.NewMQTTSink(s.Log, *cfg.MQTT)
		if err != nil {
			return err
		}
		s.hub.Subscribe("mqtt", sink)
	}

	s.alerts, err = alerts.NewManager(s.Log, cfg.AlertDB, s.hub, cfg.AlertRetentionDays)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, s.alerts.Close)

	s.staff, err = staffdb.Open(s.Log, cfg.StaffDB)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, s.staff.Close)

	if err := s.openEventLog(cfg.EventLog); err != nil {
		return err
	}
	if err := s.openSnapshotStorage(cfg.Snapshots); err != nil {
		return err
	}

	modelTimeout := 5 * time.Second
	detector := &perception.Detector{Service: perception.NewService(cfg.Perception.DetectorURL, modelTimeout)}
	s.embedder = &perception.Embedder{Service: perception.NewService(cfg.Perception.EmbedderURL, modelTimeout)}
	var pose nn.PoseExtractor
	if cfg.Perception.PoseURL != "" {
		pose = &perception.PoseClient{Service: perception.NewService(cfg.Perception.PoseURL, modelTimeout)}
	} else {
		s.Log.Warnf("No pose model configured. Aggression and fight detection are disabled.")
	}
	if cfg.Perception.FaceURL != "" {
		s.face = &perception.FaceClient{Service: perception.NewService(cfg.Perception.FaceURL, modelTimeout)}
	} else {
		s.Log.Warnf("No face model configured. Only coarse authorization is available.")
	}

	s.source = perception.NewHTTPFrameSource(s.Log, cfg.Camera.SnapshotURL, time.Duration(cfg.Camera.TimeoutSeconds*float64(time.Second)))

	strangers := authz.NewStrangerCache(time.Duration(cfg.Pipeline.StrangerRetentionMinutes*float64(time.Minute)), cfg.Authorization.StrangerSimilarity)
	s.authz = authz.NewEngine(s.Log, s.staff, strangers, cfg.Authorization)
	s.behavior = behavior.NewEngine(cfg.Behavior)

	metrics, err := pipeline.NewMetrics(s.registry)
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Source:    s.source,
		Detector:  detector,
		Pose:      pose,
		Embedder:  s.embedder,
		Face:      s.face,
		Authz:     s.authz,
		Behavior:  s.behavior,
		Vehicles:  vehicle.NewEngine(cfg.Zones, cfg.Vehicle),
		Alerts:    s.alerts,
		Events:    s.events,
		Snapshots: s.snapshots,
		Metrics:   metrics,
	}
	s.pipeline, err = pipeline.NewOrchestrator(s.Log, pipelineConfig(cfg), deps)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, s.pipeline.Close)
	return nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	seconds := func(v float64) time.Duration {
		return time.Duration(v * float64(time.Second))
	}
	p := pipeline.DefaultConfig()
	p.FrameBudget = time.Duration(cfg.Pipeline.FrameBudgetMS) * time.Millisecond
	p.Concurrency = cfg.Pipeline.Concurrency
	p.Recheck = pipeline.RecheckPolicy{
		Unknown:      seconds(cfg.Pipeline.RecheckUnknownSeconds),
		Unauthorized: seconds(cfg.Pipeline.RecheckUnauthSeconds),
		Authorized:   seconds(cfg.Pipeline.RecheckAuthSeconds),
	}
	p.UnauthorizedGrace = seconds(cfg.Pipeline.UnauthorizedGraceSeconds)
	p.BehaviorInterval = seconds(cfg.Pipeline.BehaviorIntervalSeconds)
	p.MaxSnapshotsPerTrack = cfg.Pipeline.MaxSnapshotsPerTrack
	p.Cooldowns = cfg.Cooldowns.Windows()
	return p
}

// Start the processing loop, and the background maintenance
func (s *Server) Start() {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.started || s.isShutdown {
		return
	}
	s.started = true
	s.pipeline.Start()
	go s.purgeLoop()
}

func (s *Server) purgeLoop() {
	defer close(s.purgeDone)
	ticker := time.NewTicker(alertPurgeInterval)
	defer ticker.Stop()
	for {
		if _, err := s.alerts.Purge(time.Now()); err != nil {
			s.Log.Errorf("Failed to purge alerts: %v", err)
		}
		select {
		case <-ticker.C:
		case <-s.stopPurge:
			return
		}
	}
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves, and closed signalIn
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown stops the pipeline and the HTTP server, and closes all databases
func (s *Server) Shutdown() {
	s.shutdownLock.Lock()
	if s.isShutdown {
		s.shutdownLock.Unlock()
		return
	}
	s.isShutdown = true
	s.shutdownLock.Unlock()

	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}

	var firstErr error
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		firstErr = s.httpServer.Shutdown(ctx)
		cancel()
	}

	s.close()
	if firstErr != nil {
		s.Log.Warnf("Shutdown complete, with error: %v", firstErr)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.ShutdownComplete <- firstErr
}

func (s *Server) close() {
	select {
	case <-s.stopPurge:
	default:
		close(s.stopPurge)
	}
	s.shutdownLock.Lock()
	started := s.started
	s.shutdownLock.Unlock()
	if started {
		<-s.purgeDone
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
