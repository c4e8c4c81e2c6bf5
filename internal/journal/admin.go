package journal

import (
	"fmt"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/course.bridge/internal/httputil"
)

const maxEntriesPerPage = 1000

// AttachAdminRoutes mounts the journal views and a tailsql console on the
// /debug/ tree.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+j.path, j.db, &tailsql.DBOptions{
		Label: "Course journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	// ?run=<id>&limit=<n>; defaults to the current run.
	debug.HandleFunc("journal", "course journal entries", func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("run")
		if runID == "" {
			runID = j.runID
		}
		limit, err := httputil.QueryLimit(r, 100, maxEntriesPerPage)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		entries, err := j.Entries(runID, limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to read journal: %v", err))
			return
		}
		targets, err := j.Targets(runID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to read targets: %v", err))
			return
		}
		httputil.WriteJSONOK(w, struct {
			RunID   string   `json:"run_id"`
			Entries []Entry  `json:"entries"`
			Targets []Target `json:"targets"`
		}{runID, entries, targets})
	})

	debug.HandleFunc("runs", "recent course runs", func(w http.ResponseWriter, r *http.Request) {
		limit, err := httputil.QueryLimit(r, 20, maxEntriesPerPage)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		runs, err := j.Runs(limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to read runs: %v", err))
			return
		}
		httputil.WriteJSONOK(w, runs)
	})
	return nil
}
