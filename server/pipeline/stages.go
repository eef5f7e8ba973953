package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/server/alerts"
	"github.com/cyclopcam/wardwatch/server/authz"
	"github.com/cyclopcam/wardwatch/server/behavior"
	"github.com/cyclopcam/wardwatch/server/perception"
	"github.com/cyclopcam/wardwatch/server/snapshot"
	"github.com/cyclopcam/wardwatch/server/tracker"
	"github.com/cyclopcam/wardwatch/server/trackstate"
	"github.com/cyclopcam/wardwatch/server/vehicle"
	"golang.org/x/sync/errgroup"
)

// pass is the working set of one frame
type pass struct {
	frame    perception.Frame
	now      time.Time
	width    int
	height   int
	persons  []*trackstate.PersonState
	vehicles []*trackstate.VehicleState
	labels   []snapshot.Label // Built on first use
}

func (ps *pass) person(trackID int64) *trackstate.PersonState {
	for _, p := range ps.persons {
		if p.TrackID == trackID {
			return p
		}
	}
	return nil
}

func (ps *pass) annotationLabels() []snapshot.Label {
	if ps.labels == nil {
		ps.labels = make([]snapshot.Label, 0, len(ps.persons)+len(ps.vehicles))
		for _, p := range ps.persons {
			ps.labels = append(ps.labels, snapshot.PersonLabel(p, ps.now))
		}
		for _, v := range ps.vehicles {
			ps.labels = append(ps.labels, snapshot.VehicleLabel(v))
		}
	}
	return ps.labels
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// crop returns the part of img inside box. The result keeps the coordinates of img.
func crop(img image.Image, box nn.BBox) image.Image {
	r := image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2)).Intersect(img.Bounds())
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	dst := image.NewRGBA(r)
	draw.Draw(dst, r, img, r.Min, draw.Src)
	return dst
}

type authJob struct {
	person    *trackstate.PersonState
	crop      image.Image
	embedding []float32
	decision  authz.Decision
	stage     string // Non-empty if the check failed
	err       error
}

// authorize re-evaluates every person whose recheck is due.
// Model calls run concurrently, and the verdicts are applied serially afterwards.
func (o *Orchestrator) authorize(ctx context.Context, ps *pass) {
	minSize := float32(o.cfg.MinCropSize)
	jobs := []*authJob{}
	for _, p := range ps.persons {
		if !o.cfg.Recheck.Due(p, ps.now) {
			continue
		}
		box := p.Box.Clip(ps.width, ps.height)
		if box.Width() < minSize || box.Height() < minSize {
			// Too small to identify. Try again at the next recheck.
			o.store.Mutate(func() { p.LastAuthCheck = ps.now })
			continue
		}
		jobs = append(jobs, &authJob{person: p, crop: crop(ps.frame.Image, box)})
	}
	if len(jobs) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			o.check(ctx, j)
			return nil
		})
	}
	g.Wait()

	for _, j := range jobs {
		o.applyCheck(j, ps.now)
	}
}

// check runs on a worker goroutine, and must not touch track state
func (o *Orchestrator) check(ctx context.Context, j *authJob) {
	ectx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Embed)
	embedding, err := o.deps.Embedder.Embed(ectx, j.crop)
	cancel()
	if err != nil {
		j.stage, j.err = StageEmbed, err
		return
	}
	j.embedding = embedding

	var face *nn.FaceDetail
	if o.deps.Face != nil {
		fctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Embed)
		face, err = o.deps.Face.Face(fctx, j.crop)
		cancel()
		if err != nil {
			// Carry on with the coarse path only
			o.stageError(StageFace, err)
			face = nil
		}
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Store)
	j.decision, err = o.deps.Authz.Decide(sctx, embedding, face)
	cancel()
	if err != nil {
		j.stage, j.err = StageAuthz, err
	}
}

func (o *Orchestrator) applyCheck(j *authJob, now time.Time) {
	p := j.person
	if j.err != nil {
		o.stageError(j.stage, j.err)
		// No verdict, but don't hammer a failing service
		o.store.Mutate(func() { p.LastAuthCheck = now })
		return
	}
	d := j.decision
	v := trackstate.Verdict{
		Authorized:        d.Authorized,
		StaffID:           d.Identity.StaffID,
		Name:              d.Identity.Name,
		Role:              d.Identity.Role,
		Department:        d.Identity.Department,
		Confidence:        d.Confidence,
		Method:            string(d.Method),
		ReturningStranger: d.ReturningStranger,
	}
	previous := p.Auth
	firstAuthorized := false
	o.store.Mutate(func() {
		if previous == trackstate.AuthUnauthorized && !d.Authorized {
			// A recheck always matches the track's own stranger cache entry
			v.ReturningStranger = p.ReturningStranger
		}
		p.ApplyVerdict(v, now)
		p.Embedding = j.embedding
		if d.Authorized && !p.StaffLogged {
			p.StaffLogged = true
			firstAuthorized = true
		}
	})

	if previous != p.Auth {
		if d.Authorized {
			o.Log.Infof("Pipeline: %v authorized as %v (%v, %.2f)", p.DisplayID, d.Identity.Name, d.Method, d.Confidence)
		} else {
			o.Log.Infof("Pipeline: %v unauthorized (%v, best %.2f)", p.DisplayID, d.MatchQuality, d.CoarseScore)
		}
	}

	if firstAuthorized {
		o.logEvent(string(alerts.TypeStaffAuthorized), map[string]any{
			"person_id":  p.DisplayID,
			"staff_id":   d.Identity.StaffID,
			"name":       d.Identity.Name,
			"role":       d.Identity.Role,
			"department": d.Identity.Department,
			"confidence": d.Confidence,
			"method":     string(d.Method),
		})
	}
	if !d.Authorized && v.ReturningStranger && o.cooldowns.Allow(p.DisplayID, alerts.TypeReturningStranger, o.cfg.Cooldowns.Stranger, now) {
		o.logEvent(string(alerts.TypeReturningStranger), map[string]any{
			"person_id":  p.DisplayID,
			"similarity": d.CoarseScore,
		})
	}
}

// unauthorizedAlerts runs on every frame, so that the alert fires as soon as the
// grace period is over, even if no check happens in that frame.
func (o *Orchestrator) unauthorizedAlerts(ctx context.Context, ps *pass) {
	kind := string(alerts.TypeUnauthorizedPerson)
	for _, p := range ps.persons {
		if p.Auth != trackstate.AuthUnauthorized || p.ReturningStranger {
			continue
		}
		if ps.now.Sub(p.FirstSeen) < o.cfg.UnauthorizedGrace || !p.CooldownReady(kind, ps.now, o.cfg.Cooldowns.Person) {
			continue
		}
		o.store.Mutate(func() { p.MarkCooldown(kind, ps.now) })
		o.emit(ctx, ps, &alerts.Alert{
			Type:        alerts.TypeUnauthorizedPerson,
			Severity:    alerts.SeverityHigh,
			Title:       "Unauthorized Person Detected",
			Description: fmt.Sprintf("Unidentified individual %v in monitored area", p.DisplayID),
			Subject:     p.DisplayID,
			Details: dbh.MakeJSONField(map[string]any{
				"confidence": p.Confidence,
				"method":     p.Method,
			}),
		}, &p.SnapshotCount)
	}
}

// poses extracts the pose of every person, in frame coordinates.
// The result is aligned with ps.persons, and nil where no pose is available.
func (o *Orchestrator) poses(ctx context.Context, ps *pass) []*nn.Pose {
	out := make([]*nn.Pose, len(ps.persons))
	if o.deps.Pose == nil || !o.deps.Behavior.Settings().AggressionEnabled {
		return out
	}
	errs := make([]error, len(ps.persons))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, p := range ps.persons {
		box := p.Box.Clip(ps.width, ps.height)
		if !box.IsValid() {
			continue
		}
		c := crop(ps.frame.Image, box)
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Pose)
			defer cancel()
			pose, err := o.deps.Pose.Pose(pctx, c)
			if err != nil {
				errs[i] = err
				return nil
			}
			if pose != nil {
				origin := c.Bounds().Min
				pose.Offset(float32(origin.X), float32(origin.Y))
			}
			out[i] = pose
			return nil
		})
	}
	g.Wait()
	for _, err := range errs {
		if err != nil {
			o.stageError(StagePose, err)
			break
		}
	}
	return out
}

func (o *Orchestrator) analyzeBehavior(ctx context.Context, ps *pass) {
	poses := o.poses(ctx, ps)
	obs := make([]behavior.Observation, len(ps.persons))
	for i, p := range ps.persons {
		obs[i] = behavior.Observation{TrackID: p.TrackID, Box: p.Box, Pose: poses[i]}
	}
	events := o.deps.Behavior.Analyze(obs, ps.width, ps.height, ps.now)

	aggression := make([]behavior.AggressionState, len(ps.persons))
	for i, p := range ps.persons {
		aggression[i], _ = o.deps.Behavior.AggressionState(p.TrackID)
	}
	o.store.Mutate(func() {
		for i, p := range ps.persons {
			p.AggressionHits = aggression[i].Hits
			p.AggressionWindowStart = aggression[i].WindowStart
		}
	})

	for _, ev := range events {
		o.behaviorEvent(ctx, ps, ev)
	}
}

func (o *Orchestrator) behaviorEvent(ctx context.Context, ps *pass, ev behavior.Event) {
	participants := []string{}
	involved := []*trackstate.PersonState{}
	for _, id := range ev.Participants {
		if p := ps.person(id); p != nil {
			participants = append(participants, p.DisplayID)
			involved = append(involved, p)
		}
	}

	if ev.Type == alerts.TypeFight || ev.Type == alerts.TypeAggression {
		o.store.Mutate(func() {
			for _, p := range involved {
				p.LastAggression = ps.now
			}
		})
	}

	a := &alerts.Alert{
		Type:         ev.Type,
		Severity:     ev.Severity,
		Title:        ev.Title,
		Description:  ev.Description,
		Subject:      alerts.SubjectGlobal,
		Participants: dbh.MakeJSONField(participants),
		Details:      dbh.MakeJSONField(ev.Details),
	}

	var snapshots *int
	if ev.TrackID == 0 {
		if !o.cooldowns.Allow(alerts.SubjectGlobal, ev.Type, o.cfg.Cooldowns.Crowd, ps.now) {
			return
		}
	} else {
		p := ps.person(ev.TrackID)
		if p == nil {
			return
		}
		kind := string(ev.Type)
		if !p.CooldownReady(kind, ps.now, o.cfg.Cooldowns.Behavior) {
			return
		}
		o.store.Mutate(func() { p.MarkCooldown(kind, ps.now) })
		a.Subject = p.DisplayID
		a.Description = fmt.Sprintf("%v: %v", p.DisplayID, ev.Description)
		snapshots = &p.SnapshotCount
	}
	o.emit(ctx, ps, a, snapshots)
}

func (o *Orchestrator) evaluateVehicles(ctx context.Context, ps *pass, tracked []tracker.Tracked) {
	byID := map[int64]*trackstate.VehicleState{}
	for _, v := range ps.vehicles {
		byID[v.TrackID] = v
	}
	for _, t := range tracked {
		v := byID[t.TrackID]
		if v == nil {
			continue
		}
		zone := o.deps.Vehicles.Zone(v.Box, ps.width, ps.height)
		o.store.Mutate(func() { v.Zone = zone })
		events := o.deps.Vehicles.Evaluate(vehicle.Observation{
			TrackID:    t.TrackID,
			Class:      t.Class,
			Confidence: t.Confidence,
			Box:        v.Box,
			Speed:      v.Speed,
		}, ps.width, ps.height)
		for _, ev := range events {
			kind := string(ev.Type)
			if !v.CooldownReady(kind, ps.now, o.cfg.Cooldowns.Vehicle) {
				continue
			}
			o.store.Mutate(func() { v.MarkCooldown(kind, ps.now) })
			o.emit(ctx, ps, &alerts.Alert{
				Type:        ev.Type,
				Severity:    ev.Severity,
				Title:       ev.Title,
				Description: ev.Description,
				Subject:     v.DisplayID,
				Zone:        ev.Zone,
				VehicleType: string(ev.VehicleType),
				Details:     dbh.MakeJSONField(map[string]any{"speed": ev.Speed}),
			}, &v.SnapshotCount)
		}
	}
}

// emit attaches a snapshot if the alert deserves one, stores the alert, and writes it to the event log.
// snapshots is the per-track snapshot counter, or nil for scene level alerts, which are not limited.
func (o *Orchestrator) emit(ctx context.Context, ps *pass, a *alerts.Alert, snapshots *int) {
	if a.Time == 0 {
		a.Time = dbh.MakeIntTime(ps.now)
	}
	if o.wantSnapshot(a, snapshots) {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Snapshot)
		name, err := o.deps.Snapshots.Save(sctx, ps.frame.Image, ps.annotationLabels(), a.Subject, string(a.Type), ps.now)
		cancel()
		if err != nil {
			o.stageError(StageSnapshot, err)
		} else {
			a.Snapshot = name
		}
	}

	stored, err := o.deps.Alerts.Add(a)
	if err != nil {
		o.stageError(StageAlert, err)
		return
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.Alerts.WithLabelValues(string(stored.Type)).Inc()
	}
	o.statsLock.Lock()
	o.stats.AlertsEmitted++
	o.statsLock.Unlock()

	data := map[string]any{
		"alert_id":    stored.ID,
		"severity":    string(stored.Severity),
		"subject":     stored.Subject,
		"title":       stored.Title,
		"description": stored.Description,
	}
	if stored.Zone != "" {
		data["zone"] = stored.Zone
	}
	if stored.VehicleType != "" {
		data["vehicle_type"] = stored.VehicleType
	}
	if stored.Snapshot != "" {
		data["snapshot"] = stored.Snapshot
	}
	o.logEvent(string(stored.Type), data)
}

// wantSnapshot claims one of the track's snapshot slots, if the alert qualifies for a snapshot
func (o *Orchestrator) wantSnapshot(a *alerts.Alert, snapshots *int) bool {
	if o.deps.Snapshots == nil {
		return false
	}
	if a.Type != alerts.TypeUnauthorizedPerson && a.Severity != alerts.SeverityCritical {
		return false
	}
	if snapshots == nil {
		return true
	}
	ok := false
	o.store.Mutate(func() {
		if *snapshots < o.cfg.MaxSnapshotsPerTrack {
			*snapshots++
			ok = true
		}
	})
	return ok
}

func (o *Orchestrator) logEvent(eventType string, data map[string]any) {
	if o.deps.Events == nil {
		return
	}
	if _, err := o.deps.Events.LogEvent(eventType, data); err != nil {
		o.stageError(StageEventLog, err)
	}
}

// publishFrame annotates the frame, and keeps it for the live view
func (o *Orchestrator) publishFrame(ps *pass) {
	img := snapshot.Annotate(ps.frame.Image, ps.annotationLabels())
	data, err := snapshot.EncodeJPEG(img, snapshot.DefaultJPEGQuality)
	if err != nil {
		o.stageError(StageSnapshot, err)
		return
	}
	o.statsLock.Lock()
	o.latestFrame = data
	o.latestTime = ps.now
	o.statsLock.Unlock()
}
