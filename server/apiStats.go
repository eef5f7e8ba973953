package server

import (
	"net/http"

	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpStatsSummary(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sum := s.events.Summary()
	www.SendJSON(w, &sum)
}

func (s *Server) httpStatsEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	events, err := s.events.Recent(queryLimit(r, 50, 1000))
	www.Check(err)
	www.SendJSON(w, events)
}
