package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upper limit on JSON request bodies. Registration with three base64 images fits comfortably.
const maxRequestBody = 16 * 1024 * 1024

func (s *Server) setupHttpRoutes() error {
	logEveryRequest := false
	router := httprouter.New()

	var limiter func(http.Handler) http.Handler
	if s.Config.APIRequestsPerMinute > 0 {
		limiter = httprate.Limit(s.Config.APIRequestsPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	}

	// api creates a rate limited API handler
	api := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			if limiter == nil {
				handle(w, r, params)
				return
			}
			limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	api("GET", "/api/ping", s.httpPing)
	api("GET", "/api/system/health", s.httpSystemHealth)
	api("GET", "/api/system/stats", s.httpSystemStats)

	api("GET", "/api/stats/summary", s.httpStatsSummary)
	api("GET", "/api/stats/events", s.httpStatsEvents)

	api("GET", "/api/alerts/recent", s.httpAlertsRecent)
	api("GET", "/api/alerts/active", s.httpAlertsActive)
	api("POST", "/api/alerts/:id/ack", s.httpAlertsAcknowledge)

	api("POST", "/api/staff/register", s.httpStaffRegister)
	api("GET", "/api/staff", s.httpStaffList)
	api("GET", "/api/staff/:id", s.httpStaffGet)
	api("DELETE", "/api/staff/:id", s.httpStaffDelete)

	api("GET", "/api/behavior/settings", s.httpBehaviorGetSettings)
	api("POST", "/api/behavior/settings", s.httpBehaviorSetSettings)

	api("GET", "/api/tracks", s.httpTracks)
	api("GET", "/api/frame/latest.jpg", s.httpLatestFrame)
	api("GET", "/api/snapshots/*name", s.httpSnapshot)

	// Long lived connections are not rate limited
	www.Handle(s.Log, router, "GET", "/api/ws", s.httpWebSocket)
	router.Handler("GET", "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.httpRouter = router
	return nil
}
