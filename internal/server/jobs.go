package server

import (
	"log/slog"
	"net/http"

	lzmux "github.com/eugener/lzmux/internal"
)

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("job history disabled"))
		return
	}
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	offset, limit := parsePagination(r)
	filter := lzmux.JobFilter{
		Action: q.Get("action"),
		Status: q.Get("status"),
		Since:  since,
		Until:  until,
		Offset: offset,
		Limit:  limit,
	}
	records, err := s.deps.History.QueryJobs(r.Context(), filter)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "query jobs failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to query jobs"))
		return
	}
	total, _ := s.deps.History.CountJobs(r.Context(), filter)
	if records == nil {
		records = []lzmux.JobRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       records,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

type statsResponse struct {
	Data    []lzmux.JobRollup `json:"data"`
	Breaker string            `json:"breaker"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("job history disabled"))
		return
	}
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	rollups, err := s.deps.History.ListRollups(r.Context(), lzmux.RollupFilter{
		Action: q.Get("action"),
		Period: q.Get("period"),
		Since:  since,
		Until:  until,
	})
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "list rollups failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to query rollups"))
		return
	}
	if rollups == nil {
		rollups = []lzmux.JobRollup{}
	}
	writeJSON(w, http.StatusOK, statsResponse{Data: rollups, Breaker: s.deps.Service.BreakerState()})
}

func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Service.PurgeCache(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}
