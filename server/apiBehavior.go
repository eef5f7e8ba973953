package server

import (
	"net/http"

	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpBehaviorGetSettings(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	settings := s.behavior.Settings()
	www.SendJSON(w, &settings)
}

// The body is a partial settings object. Fields that are absent keep their current value.
func (s *Server) httpBehaviorSetSettings(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	settings, err := s.behavior.PatchSettings(www.ReadLimited(w, r, 64*1024))
	if err != nil {
		www.PanicBadRequestf("%v", err)
	}
	s.Log.Infof("Behavior settings updated")
	www.SendJSON(w, &settings)
}
