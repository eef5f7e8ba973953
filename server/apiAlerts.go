package server

import (
	"net/http"

	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

const maxAlertsPerRequest = 500

func queryLimit(r *http.Request, def, max int) int {
	limit := www.QueryInt(r, "limit")
	if limit <= 0 {
		return def
	}
	return min(limit, max)
}

func (s *Server) httpAlertsRecent(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	recent, err := s.alerts.GetRecent(queryLimit(r, 10, maxAlertsPerRequest))
	www.Check(err)
	www.SendJSON(w, recent)
}

func (s *Server) httpAlertsActive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	n, err := s.alerts.GetActiveCount()
	www.Check(err)
	www.SendJSON(w, map[string]int64{"count": n})
}

func (s *Server) httpAlertsAcknowledge(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ok, err := s.alerts.Acknowledge(params.ByName("id"))
	www.Check(err)
	if !ok {
		www.PanicNotFound()
	}
	www.SendOK(w)
}
