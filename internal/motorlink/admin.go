package motorlink

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/course.bridge/internal/frame"
	"github.com/banshee-data/course.bridge/internal/httputil"
)

// AttachAdminRoutes adds serial debugging endpoints under /debug/. These are
// reachable only from localhost or the tailnet.
func (l *Link) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial", "motor controller link status", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, struct {
			Path      string `json:"path"`
			Connected bool   `json:"connected"`
			Attempts  int    `json:"attempts"`
		}{l.cfg.Path, l.Connected(), l.Attempts()})
	})

	// Sends a single motor command, e.g. op=1&value=10.
	debug.HandleSilentFunc("serial-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		op, err := strconv.ParseUint(strings.TrimSpace(r.FormValue("op")), 10, 8)
		if err != nil {
			httputil.BadRequest(w, "Invalid op")
			return
		}
		value, err := strconv.ParseUint(strings.TrimSpace(r.FormValue("value")), 10, 8)
		if err != nil {
			httputil.BadRequest(w, "Invalid value")
			return
		}
		cmd := frame.Command{Op: frame.Opcode(op), Value: uint8(value)}
		if err := l.SendCommand(cmd); err != nil {
			httputil.ServiceUnavailable(w, fmt.Sprintf("Failed to send %s: %v", cmd, err))
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"queued": cmd.String()})
	})
}
