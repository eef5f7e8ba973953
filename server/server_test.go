package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/wardwatch/server/alerts"
	"github.com/cyclopcam/wardwatch/server/config"
	"github.com/cyclopcam/wardwatch/server/staffdb"
	"github.com/stretchr/testify/require"
)

// fakeWorld serves the camera snapshot URL, and every model endpoint
type fakeWorld struct {
	server  *httptest.Server
	noFaces atomic.Bool
	frames  atomic.Int64
}

func testJPEG(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 5), 80, 255})
		}
	}
	buf := bytes.Buffer{}
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func newFakeWorld(t *testing.T) *fakeWorld {
	fw := &fakeWorld{}
	frame := testJPEG(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/camera.jpg", func(w http.ResponseWriter, r *http.Request) {
		fw.frames.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"detections":[]}`)
	})
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"embedding":[3,4,0]}`)
	})
	mux.HandleFunc("/face", func(w http.ResponseWriter, r *http.Request) {
		if fw.noFaces.Load() {
			io.WriteString(w, `{"face":null}`)
			return
		}
		io.WriteString(w, `{"face":{"embedding":[0,1],"box":{"x1":1,"y1":1,"x2":20,"y2":20},"fallback":false}}`)
	})
	fw.server = httptest.NewServer(mux)
	t.Cleanup(fw.server.Close)
	return fw
}

type testEnv struct {
	t     *testing.T
	world *fakeWorld
	srv   *Server
	api   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	world := newFakeWorld(t)
	dir := t.TempDir()
	cfg := config.Default()
	cfg.AlertDB = dbh.MakeSqliteConfig(filepath.Join(dir, "alerts.sqlite"))
	cfg.StaffDB = dbh.MakeSqliteConfig(filepath.Join(dir, "staff.sqlite"))
	cfg.EventLog = filepath.Join(dir, "events.jsonl")
	cfg.Snapshots = config.StorageConfig{Filesystem: &config.StorageConfigFS{Root: filepath.Join(dir, "snapshots")}}
	cfg.Camera.SnapshotURL = world.server.URL + "/camera.jpg"
	cfg.Perception = config.PerceptionConfig{
		DetectorURL: world.server.URL,
		EmbedderURL: world.server.URL,
		FaceURL:     world.server.URL,
	}
	cfg.APIRequestsPerMinute = 0
	require.NoError(t, cfg.Validate())

	srv, err := NewServer(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		api.Close()
		srv.Shutdown()
		require.NoError(t, <-srv.ShutdownComplete)
	})
	return &testEnv{
		t:     t,
		world: world,
		srv:   srv,
		api:   api,
	}
}

func (e *testEnv) do(method, path string, body any) (int, []byte) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rd)
	require.NoError(e.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return resp.StatusCode, raw
}

func (e *testEnv) getJSON(path string, out any) {
	code, raw := e.do("GET", path, nil)
	require.Equal(e.t, http.StatusOK, code, "%v: %v", path, string(raw))
	require.NoError(e.t, json.Unmarshal(raw, out))
}

func TestStaffAPI(t *testing.T) {
	e := newTestEnv(t)

	reg := map[string]any{
		"name":       "Alice",
		"role":       "Nurse",
		"department": "ICU",
		"angles": []staffdb.Angle{
			{Name: "front", Coarse: []float32{1, 0, 0}, Precise: []float32{0, 1}},
			{Name: "left", Coarse: []float32{0.9, 0.1, 0}},
		},
	}
	code, raw := e.do("POST", "/api/staff/register", reg)
	require.Equal(t, http.StatusOK, code, string(raw))
	created := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &created))
	aliceID := created["staffID"].(string)
	require.NotEmpty(t, aliceID)

	// Embeddings computed by the server
	img := base64.StdEncoding.EncodeToString(testJPEG(t))
	code, raw = e.do("POST", "/api/staff/register", map[string]any{
		"name":   "Bob",
		"images": []string{img, img},
	})
	require.Equal(t, http.StatusOK, code, string(raw))
	require.NoError(t, json.Unmarshal(raw, &created))
	require.EqualValues(t, 2, created["angles"])

	list := []staffdb.Staff{}
	e.getJSON("/api/staff", &list)
	require.Len(t, list, 2)
	for _, s := range list {
		require.True(t, s.HasFace)
		require.Equal(t, 2, s.AnglesCount)
	}

	one := staffdb.Staff{}
	e.getJSON("/api/staff/"+aliceID, &one)
	require.Equal(t, "Alice", one.Name)
	require.Equal(t, "ICU", one.Department)

	code, _ = e.do("DELETE", "/api/staff/"+aliceID, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do("GET", "/api/staff/"+aliceID, nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = e.do("DELETE", "/api/staff/"+aliceID, nil)
	require.Equal(t, http.StatusNotFound, code)
	e.getJSON("/api/staff", &list)
	require.Len(t, list, 1)
}

func TestStaffRegisterInvalid(t *testing.T) {
	e := newTestEnv(t)

	code, _ := e.do("POST", "/api/staff/register", map[string]any{"name": "", "angles": []staffdb.Angle{{Coarse: []float32{1}}}})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do("POST", "/api/staff/register", map[string]any{"name": "Carol"})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do("POST", "/api/staff/register", map[string]any{"name": "Carol", "images": []string{"%%%"}})
	require.Equal(t, http.StatusBadRequest, code)

	e.world.noFaces.Store(true)
	img := base64.StdEncoding.EncodeToString(testJPEG(t))
	code, raw := e.do("POST", "/api/staff/register", map[string]any{"name": "Carol", "images": []string{img}})
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(raw), "No face")

	list := []staffdb.Staff{}
	e.getJSON("/api/staff", &list)
	require.Empty(t, list)
}

func TestAlertsAPI(t *testing.T) {
	e := newTestEnv(t)

	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := e.srv.alerts.Add(&alerts.Alert{
			Type:     alerts.TypeLoitering,
			Severity: alerts.SeverityWarning,
			Title:    "Suspicious Loitering Detected",
			Subject:  "P-1",
			Time:     dbh.MakeIntTime(now.Add(time.Duration(i) * time.Second)),
		})
		require.NoError(t, err)
	}

	recent := []map[string]any{}
	e.getJSON("/api/alerts/recent?limit=2", &recent)
	require.Len(t, recent, 2)
	require.Greater(t, recent[0]["time"].(float64), recent[1]["time"].(float64))
	newest := recent[0]["id"].(string)

	active := map[string]int{}
	e.getJSON("/api/alerts/active", &active)
	require.Equal(t, 3, active["count"])

	code, _ := e.do("POST", "/api/alerts/"+newest+"/ack", nil)
	require.Equal(t, http.StatusOK, code)
	e.getJSON("/api/alerts/active", &active)
	require.Equal(t, 2, active["count"])

	code, _ = e.do("POST", "/api/alerts/no-such-alert/ack", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestBehaviorSettingsAPI(t *testing.T) {
	e := newTestEnv(t)

	settings := map[string]any{}
	e.getJSON("/api/behavior/settings", &settings)
	require.EqualValues(t, 3, settings["crowdThreshold"])

	code, raw := e.do("POST", "/api/behavior/settings", map[string]any{"crowdThreshold": 6, "fallEnabled": false})
	require.Equal(t, http.StatusOK, code, string(raw))
	require.Equal(t, 6, e.srv.behavior.Settings().CrowdThreshold)
	require.False(t, e.srv.behavior.Settings().FallEnabled)

	code, _ = e.do("POST", "/api/behavior/settings", map[string]any{"crowdThreshold": 6, "runningSamples": 1000})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, 5, e.srv.behavior.Settings().RunningSamples)
}

func TestSystemAPI(t *testing.T) {
	e := newTestEnv(t)

	ping := pingJSON{}
	e.getJSON("/api/ping", &ping)
	require.Equal(t, "I am wardwatch", ping.Greeting)

	// Nothing has been processed yet
	code, _ := e.do("GET", "/api/frame/latest.jpg", nil)
	require.Equal(t, http.StatusNotFound, code)

	health := healthJSON{}
	e.getJSON("/api/system/health", &health)
	require.Equal(t, "degraded", health.Status)
	require.Equal(t, "stopped", health.Processor)
	require.Equal(t, "ok", health.SimilarityStore)

	e.srv.Start()
	require.Eventually(t, func() bool {
		jpg, _ := e.srv.pipeline.LatestFrame()
		return jpg != nil && e.srv.pipeline.Stats().FramesProcessed > 0
	}, 5*time.Second, 10*time.Millisecond)

	code, raw := e.do("GET", "/api/frame/latest.jpg", nil)
	require.Equal(t, http.StatusOK, code)
	_, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)

	e.getJSON("/api/system/health", &health)
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, "running", health.Processor)
	require.Equal(t, "online", health.Camera)
	require.Greater(t, health.ProcessorStats.FramesProcessed, int64(0))

	stats := systemStatsJSON{}
	e.getJSON("/api/system/stats", &stats)
	require.True(t, stats.ProcessorRunning)
	require.Equal(t, 1, stats.ActiveCameras)

	tracks := tracksJSON{}
	e.getJSON("/api/tracks", &tracks)
	require.Empty(t, tracks.Persons)

	code, raw = e.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(string(raw), "wardwatch_frame_duration_seconds_count"))
}

func TestStatsAPI(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.srv.events.LogEvent(string(alerts.TypeStaffAuthorized), map[string]any{"subject": "P-1"})
	require.NoError(t, err)
	_, err = e.srv.events.LogEvent(string(alerts.TypeUnauthorizedPerson), map[string]any{"subject": "P-2"})
	require.NoError(t, err)

	summary := map[string]any{}
	e.getJSON("/api/stats/summary", &summary)
	require.EqualValues(t, 2, summary["today_total"])
	require.EqualValues(t, 1, summary["today_authorized"])
	require.EqualValues(t, 1, summary["today_unauthorized"])

	events := []map[string]any{}
	e.getJSON("/api/stats/events?limit=1", &events)
	require.Len(t, events, 1)
	require.Equal(t, string(alerts.TypeUnauthorizedPerson), events[0]["type"])
}
