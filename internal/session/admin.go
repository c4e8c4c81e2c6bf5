package session

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/course.bridge/internal/httputil"
)

// AttachAdminRoutes serves the session snapshot at /debug/session.
func (e *Engine) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("session", "session state snapshot", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, e.Snapshot())
	})
}
