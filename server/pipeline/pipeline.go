// Package pipeline runs the per-frame processing loop: detection, tracking, authorization,
// behavior analysis, vehicle rules, and alert emission.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/wardwatch/pkg/idgen"
	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/pkg/perfstats"
	"github.com/cyclopcam/wardwatch/server/alerts"
	"github.com/cyclopcam/wardwatch/server/authz"
	"github.com/cyclopcam/wardwatch/server/behavior"
	"github.com/cyclopcam/wardwatch/server/eventlog"
	"github.com/cyclopcam/wardwatch/server/perception"
	"github.com/cyclopcam/wardwatch/server/snapshot"
	"github.com/cyclopcam/wardwatch/server/tracker"
	"github.com/cyclopcam/wardwatch/server/trackstate"
	"github.com/cyclopcam/wardwatch/server/vehicle"
	"golang.org/x/time/rate"
)

// AlertSink receives new alerts. alerts.Manager is the production implementation.
type AlertSink interface {
	Add(a *alerts.Alert) (*alerts.Alert, error)
}

// EventLogger records notable events for the dashboard. eventlog.Log is the production implementation.
type EventLogger interface {
	LogEvent(eventType string, data map[string]any) (eventlog.Record, error)
}

// Deps are the collaborators of the Orchestrator. Optional ones may be nil.
type Deps struct {
	Source    perception.FrameSource
	Detector  nn.ObjectDetector
	Pose      nn.PoseExtractor // Optional. Without it, aggression detection is blind.
	Embedder  nn.CoarseEmbedder
	Face      nn.FaceEmbedder // Optional. Without it, only the coarse authorization path is used.
	Authz     *authz.Engine
	Behavior  *behavior.Engine
	Vehicles  *vehicle.Engine
	Alerts    AlertSink
	Events    EventLogger      // Optional
	Snapshots *snapshot.Writer // Optional
	Metrics   *Metrics         // Optional
}

// Pipeline stages, used for error accounting
const (
	StageCapture  = "capture"
	StageDetect   = "detect"
	StageEmbed    = "embed"
	StageFace     = "face"
	StageAuthz    = "authz"
	StagePose     = "pose"
	StageAlert    = "alert"
	StageSnapshot = "snapshot"
	StageEventLog = "eventlog"
)

var allStages = []string{StageCapture, StageDetect, StageEmbed, StageFace, StageAuthz, StagePose, StageAlert, StageSnapshot, StageEventLog}

// Stats is a summary of the loop's recent performance
type Stats struct {
	Running            bool      `json:"running"`
	StartedAt          time.Time `json:"startedAt"`
	FPS                float64   `json:"fps"`
	FramesProcessed    int64     `json:"framesProcessed"`
	LastFrameLatencyMS float64   `json:"lastFrameLatencyMS"`
	AvgFrameLatencyMS  float64   `json:"avgFrameLatencyMS"`
	ActivePersons      int       `json:"activePersons"`
	ActiveVehicles     int       `json:"activeVehicles"`
	AlertsEmitted      int64     `json:"alertsEmitted"`
}

// Orchestrator owns all per-track state, and is the only writer of it.
// One goroutine processes one frame at a time. Per-track model calls inside a frame
// run concurrently, but their results are applied serially.
type Orchestrator struct {
	Log logs.Log

	cfg       Config
	deps      Deps
	persons   *tracker.Tracker
	vehicles  *tracker.Tracker
	store     *trackstate.Store
	cooldowns *alerts.Cooldowns
	logError  map[string]*rate.Sometimes // Read-only after construction

	lastBehavior time.Time
	lastPurge    time.Time

	mustStop atomic.Bool   // True if Stop() has been called
	running  atomic.Bool   // True while the loop goroutine is alive
	stopped  chan struct{} // Closed when the loop goroutine exits
	cancel   context.CancelFunc

	statsLock   sync.Mutex
	stats       Stats
	fps         perfstats.RateMeter
	latency     perfstats.TimeAccumulator
	latestFrame []byte // Most recent annotated frame, JPEG
	latestTime  time.Time
}

func NewOrchestrator(log logs.Log, cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Source == nil || deps.Detector == nil || deps.Embedder == nil {
		return nil, errors.New("pipeline: frame source, detector and embedder are required")
	}
	if deps.Authz == nil || deps.Behavior == nil || deps.Vehicles == nil || deps.Alerts == nil {
		return nil, errors.New("pipeline: authz, behavior, vehicle and alert components are required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	// Persons and vehicles draw from one ID sequence, so that a track ID is unambiguous
	ids := &idgen.Int64{}
	o := &Orchestrator{
		Log:       log,
		cfg:       cfg,
		deps:      deps,
		persons:   tracker.NewTracker(tracker.PersonConfig(), ids),
		vehicles:  tracker.NewTracker(tracker.VehicleConfig(), ids),
		store:     trackstate.NewStore(),
		cooldowns: alerts.NewCooldowns(),
		logError:  map[string]*rate.Sometimes{},
		fps:       perfstats.NewRateMeter(time.Second),
	}
	for _, s := range allStages {
		o.logError[s] = &rate.Sometimes{Interval: 15 * time.Second}
	}
	return o, nil
}

// Store returns the track state store. Callers outside the loop may only read from it.
func (o *Orchestrator) Store() *trackstate.Store {
	return o.store
}

func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Start launches the processing loop
func (o *Orchestrator) Start() {
	if o.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.mustStop.Store(false)
	o.stopped = make(chan struct{})
	o.running.Store(true)
	o.statsLock.Lock()
	o.stats.StartedAt = time.Now()
	o.statsLock.Unlock()
	o.Log.Infof("Pipeline: starting")
	go o.run(ctx)
}

// Stop signals the loop to exit, and waits for it
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.mustStop.Store(true)
	o.cancel()
	<-o.stopped
	o.cancel = nil
	o.Log.Infof("Pipeline: stopped")
}

// Close stops the loop, and releases the frame source
func (o *Orchestrator) Close() {
	o.Stop()
	o.deps.Source.Close()
}

func (o *Orchestrator) IsRunning() bool {
	return o.running.Load()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer func() {
		o.running.Store(false)
		close(o.stopped)
	}()
	for !o.mustStop.Load() {
		start := time.Now()
		frame, err := o.deps.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, perception.ErrSourceClosed) {
				return
			}
			o.stageError(StageCapture, err)
		} else {
			o.ProcessFrame(ctx, frame)
		}
		elapsed := time.Since(start)
		select {
		case <-time.After(max(time.Millisecond, o.cfg.FrameBudget-elapsed)):
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) stageError(stage string, err error) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.StageErrors.WithLabelValues(stage).Inc()
	}
	if s := o.logError[stage]; s != nil {
		s.Do(func() {
			o.Log.Errorf("Pipeline: %v failed: %v", stage, err)
		})
	}
}

// ProcessFrame runs all stages on one frame. Timestamps are taken from frame.Time.
func (o *Orchestrator) ProcessFrame(ctx context.Context, frame perception.Frame) {
	start := time.Now()
	if frame.Time.IsZero() {
		frame.Time = start
	}
	bounds := frame.Image.Bounds()
	ps := &pass{
		frame:  frame,
		now:    frame.Time,
		width:  bounds.Dx(),
		height: bounds.Dy(),
	}

	dctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Detect)
	dets, err := o.deps.Detector.Detect(dctx, frame.Image)
	cancel()
	if err != nil {
		o.stageError(StageDetect, err)
		return
	}

	personDets := []nn.Detection{}
	vehicleDets := []nn.Detection{}
	for _, d := range nn.FilterValid(dets) {
		if nn.IsPerson(d.Class) {
			personDets = append(personDets, d)
		} else if nn.IsVehicle(d.Class) {
			vehicleDets = append(vehicleDets, d)
		}
	}
	trackedPersons := o.persons.Update(personDets, ps.now)
	trackedVehicles := o.vehicles.Update(vehicleDets, ps.now)
	ps.persons = o.store.MergePersons(trackedPersons, ps.now)
	ps.vehicles = o.store.MergeVehicles(trackedVehicles, ps.now)

	o.authorize(ctx, ps)
	o.unauthorizedAlerts(ctx, ps)

	if o.lastBehavior.IsZero() || ps.now.Sub(o.lastBehavior) >= o.cfg.BehaviorInterval {
		o.lastBehavior = ps.now
		o.analyzeBehavior(ctx, ps)
	}

	o.evaluateVehicles(ctx, ps, trackedVehicles)

	o.prune(ps.now)
	o.publishFrame(ps)

	elapsed := time.Since(start)
	if o.deps.Metrics != nil {
		o.deps.Metrics.FrameDuration.Observe(elapsed.Seconds())
		o.deps.Metrics.ActiveTracks.WithLabelValues("person").Set(float64(len(ps.persons)))
		o.deps.Metrics.ActiveTracks.WithLabelValues("vehicle").Set(float64(len(ps.vehicles)))
	}
	o.statsLock.Lock()
	o.stats.FramesProcessed++
	o.stats.LastFrameLatencyMS = float64(elapsed.Microseconds()) / 1000
	o.latency.AddSample(elapsed)
	o.fps.Tick(start)
	o.stats.ActivePersons = len(ps.persons)
	o.stats.ActiveVehicles = len(ps.vehicles)
	o.statsLock.Unlock()
}

// prune releases everything keyed by tracks whose grace period has run out
func (o *Orchestrator) prune(now time.Time) {
	persons, vehicles := o.store.Prune(now)
	for _, p := range persons {
		o.deps.Behavior.Forget(p.TrackID)
		o.cooldowns.Forget(p.DisplayID)
	}
	for _, v := range vehicles {
		o.cooldowns.Forget(v.DisplayID)
	}
	if now.Sub(o.lastPurge) > time.Minute {
		o.lastPurge = now
		o.cooldowns.Purge(now, 10*time.Minute)
		o.deps.Authz.PurgeStrangers()
	}
}

// Stats returns a copy of the current statistics
func (o *Orchestrator) Stats() Stats {
	o.statsLock.Lock()
	defer o.statsLock.Unlock()
	s := o.stats
	s.Running = o.running.Load()
	s.FPS = o.fps.Rate()
	s.AvgFrameLatencyMS = float64(o.latency.Average().Microseconds()) / 1000
	return s
}

// LatestFrame returns the most recent annotated frame as a JPEG, or nil if there is none yet
func (o *Orchestrator) LatestFrame() ([]byte, time.Time) {
	o.statsLock.Lock()
	defer o.statsLock.Unlock()
	return o.latestFrame, o.latestTime
}
