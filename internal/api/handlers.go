package api

import (
	"net/http"
	"strconv"
	"time"

	"tidewatch/internal/types"
)

// healthResponse is the payload of GET /health.
type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// HandleHealth reports service liveness and store connectivity. A failing
// store ping degrades the response rather than erroring, so load balancers
// can distinguish "up but unhealthy" from "down".
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok"}
	status := http.StatusOK
	if err := s.Store.Ping(r.Context()); err != nil {
		s.Logger.Warn("store ping failed", "error", err)
		resp.Status = "degraded"
		resp.Store = "unavailable"
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}

// HandleListMonths returns every period key with persisted data, in
// chronological order.
func (s *Server) HandleListMonths(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Store.ListPeriodKeys(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	months := make([]string, 0, len(keys))
	for _, k := range keys {
		months = append(months, k.String())
	}
	JSON(w, r, http.StatusOK, map[string]any{"months": months, "count": len(months)})
}

// HandleMaxDiff returns the differential metric for a period.
// GET /v1/maxdiff?month=M&year=Y
//
// diff_from_previous is null when no prior period was known at aggregation
// time; consumers must treat null and 0 differently.
func (s *Server) HandleMaxDiff(w http.ResponseWriter, r *http.Request) {
	agg, ok := s.lookupAggregate(w, r)
	if !ok {
		return
	}
	JSON(w, r, http.StatusOK, map[string]any{
		"period_key":         agg.PeriodKey.String(),
		"max_value":          agg.MaxValue,
		"diff_from_previous": agg.DiffFromPrevious,
	})
}

// HandleDeviation returns the maximum deviation for a period.
// GET /v1/deviation?month=M&year=Y
func (s *Server) HandleDeviation(w http.ResponseWriter, r *http.Request) {
	agg, ok := s.lookupAggregate(w, r)
	if !ok {
		return
	}
	JSON(w, r, http.StatusOK, map[string]any{
		"period_key":    agg.PeriodKey.String(),
		"max_deviation": agg.MaxDeviation,
	})
}

// HandleTemperature returns the mean temperature stats for a period.
// GET /v1/temperature?month=M&year=Y
func (s *Server) HandleTemperature(w http.ResponseWriter, r *http.Request) {
	agg, ok := s.lookupAggregate(w, r)
	if !ok {
		return
	}
	JSON(w, r, http.StatusOK, map[string]any{
		"period_key":   agg.PeriodKey.String(),
		"mean_value":   agg.MeanValue,
		"max_value":    agg.MaxValue,
		"record_count": agg.RecordCount,
		"last_updated": agg.LastUpdated,
	})
}

// lookupAggregate parses and validates the month/year query parameters,
// fetches the aggregate, and writes the error response itself when the input
// is invalid or the period is absent. The bool reports whether the caller
// should proceed.
func (s *Server) lookupAggregate(w http.ResponseWriter, r *http.Request) (*types.PeriodAggregate, bool) {
	q := r.URL.Query()

	monthStr := q.Get("month")
	yearStr := q.Get("year")
	if monthStr == "" || yearStr == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"month and year query parameters are required", nil))
		return nil, false
	}

	month, err := strconv.Atoi(monthStr)
	if err != nil || month < 1 || month > 12 {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidMonth,
			"month must be an integer between 1 and 12", err))
		return nil, false
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil || year < 1 || year > 9999 {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidYear,
			"year must be a positive four-digit integer", err))
		return nil, false
	}

	key := types.NewPeriodKey(year, time.Month(month))
	agg, err := s.Store.GetAggregate(r.Context(), key)
	if err != nil {
		Error(w, r, err)
		return nil, false
	}
	if agg == nil {
		Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeNotFoundPeriod,
			"no data for the requested period", nil,
			map[string]any{"period_key": key.String()}))
		return nil, false
	}
	return agg, true
}
