package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/cyclopcam/wardwatch/server/pipeline"
	"github.com/cyclopcam/wardwatch/server/snapshot"
	"github.com/cyclopcam/wardwatch/server/trackstate"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

type pingJSON struct {
	Greeting string `json:"greeting"`
	Time     int64  `json:"time"`
}

// SYNC-HEALTH-JSON
type healthJSON struct {
	Status          string         `json:"status"`          // "healthy" or "degraded"
	Processor       string         `json:"processor"`       // "running" or "stopped"
	Camera          string         `json:"camera"`          // "online" or "offline"
	SimilarityStore string         `json:"similarityStore"` // "ok", or the error message
	StaffPoints     int            `json:"staffPoints"`
	MemoryMB        float64        `json:"memoryMB"`
	UptimeSeconds   float64        `json:"uptimeSeconds"`
	ProcessorStats  pipeline.Stats `json:"processorStats"`
}

type systemStatsJSON struct {
	WeekTotal        int  `json:"weekTotal"`
	TodayTotal       int  `json:"todayTotal"`
	ProcessorRunning bool `json:"processorRunning"`
	ActiveCameras    int  `json:"activeCameras"`
}

type tracksJSON struct {
	Persons  []trackstate.PersonState  `json:"persons"`
	Vehicles []trackstate.VehicleState `json:"vehicles"`
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, &pingJSON{
		Greeting: "I am wardwatch",
		Time:     time.Now().Unix(),
	})
}

func (s *Server) httpSystemHealth(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	mem := runtime.MemStats{}
	runtime.ReadMemStats(&mem)
	h := healthJSON{
		Status:          "healthy",
		Processor:       "stopped",
		Camera:          "offline",
		SimilarityStore: "ok",
		StaffPoints:     s.staff.NumPoints(),
		MemoryMB:        float64(mem.Alloc) / (1024 * 1024),
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
		ProcessorStats:  s.pipeline.Stats(),
	}
	if s.pipeline.IsRunning() {
		h.Processor = "running"
	}
	if s.source.Online() {
		h.Camera = "online"
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := s.staff.Ping(ctx); err != nil {
		h.SimilarityStore = err.Error()
	}
	if h.Processor != "running" || h.Camera != "online" || h.SimilarityStore != "ok" {
		h.Status = "degraded"
	}
	www.SendJSON(w, &h)
}

func (s *Server) httpSystemStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sum := s.events.Summary()
	j := systemStatsJSON{
		WeekTotal:        sum.WeekTotal,
		TodayTotal:       sum.TodayTotal,
		ProcessorRunning: s.pipeline.IsRunning(),
	}
	if s.source.Online() {
		j.ActiveCameras = 1
	}
	www.SendJSON(w, &j)
}

func (s *Server) httpTracks(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	store := s.pipeline.Store()
	www.SendJSON(w, &tracksJSON{
		Persons:  store.PersonSnapshot(),
		Vehicles: store.VehicleSnapshot(),
	})
}

func (s *Server) httpLatestFrame(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	jpg, _ := s.pipeline.LatestFrame()
	if jpg == nil {
		www.PanicNotFound()
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

func (s *Server) httpSnapshot(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := strings.TrimPrefix(params.ByName("name"), "/")
	// Public buckets can serve the file directly
	if url, err := s.storage.URL(name); err == nil {
		http.Redirect(w, r, url, http.StatusFound)
		return
	} else if !errors.Is(err, snapshot.ErrNoPublicUrl) {
		www.PanicBadRequestf("%v", err)
	}
	f, err := s.storage.ReadFile(r.Context(), name)
	if err != nil {
		www.PanicNotFound()
	}
	defer f.Reader.Close()
	w.Header().Set("Cache-Control", "public, max-age=2592000, immutable")
	w.Header().Set("Content-Type", "image/jpeg")
	io.Copy(w, f.Reader)
}

func (s *Server) httpWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpWebSocket upgrade failed: %v", err)
		return
	}
	s.Log.Infof("WebSocket client %v connected", r.RemoteAddr)
	s.hub.ServeWebSocket("ws:"+r.RemoteAddr, c)
	s.Log.Infof("WebSocket client %v disconnected", r.RemoteAddr)
}
