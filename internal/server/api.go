package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Submitter applies one operation from its JSON payload.
type Submitter interface {
	Submit(ctx context.Context, et event.EventType, payload []byte) (*core.CoreOutput, error)
}

// Deps holds everything the API routes call into. Admin hooks left nil
// answer 501.
type Deps struct {
	Query         *query.QueryService
	Ingest        Submitter
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger

	TakeSnapshot       func(ctx context.Context) error
	RebuildProjections func(ctx context.Context) error
	LatestDurable      func(ctx context.Context) (int64, error)
}

// API is the HTTP/JSON surface.
type API struct {
	deps *Deps
}

func NewAPI(deps *Deps) *API {
	return &API{deps: deps}
}

// SubmitResponse reports a committed (or deduplicated) operation.
type SubmitResponse struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
	StateHash string `json:"state_hash,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler mounts the health endpoints and the gateway mux:
//
//	POST /v1/operations/{type}
//	GET  /v1/pools
//	GET  /v1/pools/{asset}
//	GET  /v1/positions/{owner}
//	GET  /v1/positions/{owner}/health
//	GET  /v1/positions/{owner}/liquidations
//	GET  /v1/positions/{owner}/journal
//	GET  /v1/admin/integrity
//	GET  /v1/admin/oplog
//	POST /v1/admin/snapshot
//	POST /v1/admin/projections/rebuild
func (a *API) Handler() http.Handler {
	gw := runtime.NewServeMux()
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/operations/{type}", a.submit},
		{http.MethodGet, "/v1/pools", a.listPools},
		{http.MethodGet, "/v1/pools/{asset}", a.getPool},
		{http.MethodGet, "/v1/positions/{owner}", a.getPosition},
		{http.MethodGet, "/v1/positions/{owner}/health", a.getHealth},
		{http.MethodGet, "/v1/positions/{owner}/liquidations", a.listLiquidations},
		{http.MethodGet, "/v1/positions/{owner}/journal", a.listJournal},
		{http.MethodGet, "/v1/admin/integrity", a.verifyIntegrity},
		{http.MethodGet, "/v1/admin/oplog", a.opLogInfo},
		{http.MethodPost, "/v1/admin/snapshot", a.takeSnapshot},
		{http.MethodPost, "/v1/admin/projections/rebuild", a.rebuildProjections},
	}
	for _, rt := range routes {
		// Patterns are static; a failure here is a programming error.
		if err := gw.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			panic(err)
		}
	}

	mux := http.NewServeMux()
	healthRoutes(mux, a.deps.HealthChecker)
	mux.Handle("/", gw)
	return mux
}

// --- Operations ---

func (a *API) submit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	et, err := event.ParseEventType(params["type"])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_operation", err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	out, err := a.deps.Ingest.Submit(r.Context(), et, body)
	if err != nil {
		a.fail(w, err)
		return
	}
	if out == nil {
		writeJSON(w, http.StatusOK, SubmitResponse{Accepted: true, Duplicate: true})
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{
		Accepted:  true,
		Sequence:  out.Envelope.Sequence,
		StateHash: hex.EncodeToString(out.Envelope.StateHash[:]),
	})
}

// --- Queries ---

func (a *API) listPools(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	pools, err := a.deps.Query.ListPools(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": pools})
}

func (a *API) getPool(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := a.deps.Query.GetPool(r.Context(), params["asset"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := ownerParam(w, params)
	if !ok {
		return
	}
	resp, err := a.deps.Query.GetPosition(r.Context(), owner)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getHealth(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := ownerParam(w, params)
	if !ok {
		return
	}
	resp, err := a.deps.Query.GetHealth(r.Context(), owner)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) listLiquidations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := ownerParam(w, params)
	if !ok {
		return
	}
	limit, before, ok := pageParams(w, r)
	if !ok {
		return
	}
	resp, err := a.deps.Query.GetLiquidationHistory(r.Context(), owner, limit, before)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": resp})
}

func (a *API) listJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := ownerParam(w, params)
	if !ok {
		return
	}
	limit, before, ok := pageParams(w, r)
	if !ok {
		return
	}
	resp, err := a.deps.Query.GetJournalHistory(r.Context(), owner, limit, before)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"journals": resp})
}

// --- Admin ---

func (a *API) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := a.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) opLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.LatestDurable == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "operation log not configured")
		return
	}
	seq, err := a.deps.LatestDurable(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_durable_sequence": seq})
}

func (a *API) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a.runAdmin(w, r, "snapshot", a.deps.TakeSnapshot)
}

func (a *API) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a.runAdmin(w, r, "rebuild_projections", a.deps.RebuildProjections)
}

func (a *API) runAdmin(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) error) {
	if fn == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", name+" not configured")
		return
	}
	if err := fn(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	a.deps.Logger.Info().Str("action", name).Msg("admin action completed")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Helpers ---

func (a *API) fail(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.deps.Logger.Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeError(w, status, code, err.Error())
}

// statusFor maps ledger errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ingestion.ErrInvalidMessage):
		return http.StatusBadRequest, "invalid_message"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	}

	code := query.ErrorCode(err)
	switch code {
	case "pool_not_found", "position_not_found":
		return http.StatusNotFound, code
	case "pool_exists":
		return http.StatusConflict, code
	case "invalid_price_feed":
		return http.StatusServiceUnavailable, code
	case "internal", "invariant_violation", "math_overflow", "division_by_zero":
		return http.StatusInternalServerError, code
	default:
		return http.StatusUnprocessableEntity, code
	}
}

func ownerParam(w http.ResponseWriter, params map[string]string) (uuid.UUID, bool) {
	owner, err := uuid.Parse(params["owner"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_owner", err.Error())
		return uuid.Nil, false
	}
	return owner, true
}

// pageParams reads ?limit= and ?before= (a sequence).
func pageParams(w http.ResponseWriter, r *http.Request) (int, *int64, bool) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return 0, nil, false
		}
		limit = n
	}
	var before *int64
	if s := q.Get("before"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_before", err.Error())
			return 0, nil, false
		}
		before = &n
	}
	return limit, before, true
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var _ Submitter = (*ingestion.Ingester)(nil)
