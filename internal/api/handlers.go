package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/mintwatch/mintwatch/internal/sink"
	"github.com/mintwatch/mintwatch/internal/token"
)

const queryTimeout = 10 * time.Second

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	QueryType string `json:"queryType,omitempty"`
}

type dataResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count,omitempty"`
	Data    any  `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, queryType, message string) {
	writeJSON(w, status, errorResponse{Error: message, QueryType: queryType})
}

func writeData(w http.ResponseWriter, count int, v any) {
	writeJSON(w, http.StatusOK, dataResponse{Success: true, Count: count, Data: v})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := contextWithTimeout(r, 2*time.Second)
	defer cancel()

	dbOK := s.sink.Ping(ctx) == nil
	feedOK := s.feed == nil || s.feed.IsConnected()

	status := "ok"
	code := http.StatusOK
	if !dbOK || !feedOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"feed_connected": feedOK,
		"database":       dbOK,
		"tracked_tokens": len(s.tracked.GetAll()),
		"timestamp":      time.Now().UTC(),
	})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	platform := token.Platform(q.Get("platform"))
	if platform != "" && !platform.Known() {
		writeError(w, http.StatusBadRequest, "tokens", "unknown platform")
		return
	}
	minVolume, err := floatParam(q.Get("min_volume"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "tokens", "invalid min_volume")
		return
	}
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "tokens", "invalid limit")
		return
	}

	all := s.tracked.GetAll()
	out := make([]token.Snapshot, 0, len(all))
	for _, snap := range all {
		if platform != "" && snap.Platform != platform {
			continue
		}
		if snap.Volume24h < minVolume {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Volume24h > out[j].Volume24h })
	if len(out) > limit {
		out = out[:limit]
	}
	writeData(w, len(out), out)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]

	snapshot, ok := s.tracked.GetSnapshot(mint)
	if !ok {
		writeError(w, http.StatusNotFound, "token", "token not tracked")
		return
	}
	health, _ := s.tracked.GetHealth(mint)

	trends := make(map[string]token.Trend)
	for _, window := range token.Windows() {
		if tr, ok := s.tracked.GetTrend(mint, window); ok {
			trends[string(window)] = tr
		}
	}

	writeData(w, 1, map[string]any{
		"snapshot": snapshot,
		"health":   health,
		"trends":   trends,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	limit, err := intParam(r.URL.Query().Get("limit"), 100)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "history", "invalid limit")
		return
	}
	if _, ok := s.tracked.GetSnapshot(mint); !ok {
		writeError(w, http.StatusNotFound, "history", "token not tracked")
		return
	}
	points := s.tracked.GetHistory(mint, limit)
	writeData(w, len(points), points)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	q := r.URL.Query()

	now := time.Now().UTC()
	from, err := timeParam(q.Get("from"), now.Add(-time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, "prices", "invalid from timestamp")
		return
	}
	to, err := timeParam(q.Get("to"), now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "prices", "invalid to timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "prices", "empty time range")
		return
	}
	bucket, err := durationParam(q.Get("bucket"), 5*time.Minute)
	if err != nil || bucket <= 0 {
		writeError(w, http.StatusBadRequest, "prices", "invalid bucket")
		return
	}
	agg := sink.Aggregation(q.Get("agg"))
	switch agg {
	case "":
		agg = sink.AggMean
	case sink.AggMean, sink.AggLast, sink.AggMax:
	default:
		writeError(w, http.StatusBadRequest, "prices", "invalid agg")
		return
	}

	ctx, cancel := contextWithTimeout(r, queryTimeout)
	defer cancel()

	buckets, err := s.sink.QueryPriceHistory(ctx, mint, sink.TimeRange{From: from, To: to}, bucket, agg)
	if err != nil {
		log.Warn().Err(err).Str("mint", mint).Msg("Price history query failed")
		writeError(w, http.StatusServiceUnavailable, "prices", "price history unavailable")
		return
	}
	writeData(w, len(buckets), buckets)
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	window := token.TrendWindow(r.URL.Query().Get("window"))
	if window != "" && window.Duration() == 0 {
		writeError(w, http.StatusBadRequest, "trends", "invalid window")
		return
	}

	all := s.tracked.GetAllTrends()
	out := make([]token.Trend, 0, len(all))
	for _, tr := range all {
		if window != "" && tr.Window != window {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mint != out[j].Mint {
			return out[i].Mint < out[j].Mint
		}
		return out[i].Window < out[j].Window
	})
	writeData(w, len(out), out)
}

func (s *Server) handleCleanupEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), 100)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "cleanup_events", "invalid limit")
		return
	}
	reason := token.CleanupReason(q.Get("reason"))
	switch reason {
	case "", token.ReasonRugged, token.ReasonInactive, token.ReasonLowVolume:
	default:
		writeError(w, http.StatusBadRequest, "cleanup_events", "invalid reason")
		return
	}

	ctx, cancel := contextWithTimeout(r, queryTimeout)
	defer cancel()

	events, err := s.sink.QueryCleanupEvents(ctx, sink.CleanupFilter{
		Mint:   q.Get("mint"),
		Reason: reason,
		Limit:  limit,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Cleanup events query failed")
		writeError(w, http.StatusServiceUnavailable, "cleanup_events", "cleanup history unavailable")
		return
	}
	writeData(w, len(events), events)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"tracker":   s.tracked.Stats(),
		"emergency": s.tracked.EmergencyStatus(),
	}
	if s.ingest != nil {
		stats["processor"] = s.ingest.Stats()
	}
	if s.feed != nil {
		stats["feed"] = map[string]any{
			"connected":     s.feed.IsConnected(),
			"subscriptions": len(s.feed.SubscribedMints()),
		}
	}
	writeData(w, 0, stats)
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func floatParam(raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func timeParam(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func durationParam(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}
