package testutil

import (
	"io"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/remote"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler exposes s over the HTTP routes remote.Client calls. A non-empty
// token is required as a bearer token on sync routes.
func (s *FakeServer) Handler(token string) http.Handler {
	mux := http.NewServeMux()

	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Ping(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /v1/businesses/{tenant}/sync/snapshot", auth(func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Snapshot(r.Context(), r.PathValue("tenant"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	}))

	mux.HandleFunc("GET /v1/businesses/{tenant}/sync/delta", auth(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		d, err := s.Delta(r.Context(), r.PathValue("tenant"), r.URL.Query().Get("since"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, d)
	}))

	mux.HandleFunc("POST /v1/businesses/{tenant}/sync/mutations", auth(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var req remote.BatchRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := s.PushMutations(r.Context(), r.PathValue("tenant"), req.Mutations)
		if err != nil {
			writeError(w, err)
			return
		}
		res.BatchID = req.BatchID
		writeJSON(w, res)
	}))

	return mux
}

// ServeHTTP serves s without authentication.
func (s *FakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler("").ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case ierr.IsWatermarkUnrecognized(err):
		status = http.StatusGone
	case ierr.Is(err, ierr.ErrTimeout):
		status = http.StatusGatewayTimeout
	case ierr.Is(err, ierr.ErrNetworkUnavailable):
		status = http.StatusServiceUnavailable
	case ierr.IsPermissionDenied(err):
		status = http.StatusForbidden
	case ierr.IsNotFound(err):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
