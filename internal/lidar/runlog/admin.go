package runlog

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/dror/internal/httputil"
)

// AttachAdminRoutes mounts a live SQL console and a JSON run listing on the
// tsweb debug mux.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "DROR run log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("dror/runs", "Recent denoising runs (JSON)", http.HandlerFunc(s.handleRuns))
	return nil
}

func (s *Store) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	runs, err := s.ListRuns(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if runs == nil {
		runs = []Run{}
	}
	httputil.WriteJSONOK(w, runs)
}
