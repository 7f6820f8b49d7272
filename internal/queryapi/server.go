// Package queryapi exposes the read-side persistence contracts (plus
// config CRUD) over HTTP, using the standard library's method-pattern
// ServeMux.
package queryapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/postrack/positions/internal/model"
	"github.com/postrack/positions/internal/store"
)

// Server wires store.Store behind a read-mostly HTTP surface: snapshot
// and price lookups, plus config CRUD (the one write path the core
// itself does not perform).
type Server struct {
	store store.Store
}

func NewServer(s store.Store) *Server {
	return &Server{store: s}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/snapshots/{positionKey}", s.handleFindSnapshot)
	mux.HandleFunc("GET /api/snapshots/{positionKey}/series", s.handleFindSnapshotsForPosition)
	mux.HandleFunc("GET /api/snapshots/{positionKey}/history", s.handleFindSnapshotHistory)
	mux.HandleFunc("GET /api/prices/{positionKey}", s.handleFindPrice)
	mux.HandleFunc("GET /api/prices/{positionKey}/all", s.handleFindPricesForSnapshot)
	mux.HandleFunc("GET /api/configs", s.handleFindAll)
	mux.HandleFunc("GET /api/configs/active", s.handleFindActive)
	mux.HandleFunc("GET /api/configs/{id}", s.handleFindByID)
	mux.HandleFunc("POST /api/configs", s.handleCreateConfig)
	mux.HandleFunc("PUT /api/configs/{id}", s.handleUpdateConfig)
	mux.HandleFunc("DELETE /api/configs/{id}", s.handleDeactivateConfig)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func queryDateBasis(r *http.Request) (model.DateBasis, error) {
	basis := model.DateBasis(r.URL.Query().Get("dateBasis"))
	if basis == "" {
		basis = model.TradeDate
	}
	if !basis.Valid() {
		return "", errInvalidDateBasis
	}
	return basis, nil
}

var errInvalidDateBasis = &invalidQueryError{"dateBasis must be TRADE_DATE or SETTLEMENT_DATE"}

type invalidQueryError struct{ msg string }

func (e *invalidQueryError) Error() string { return e.msg }

func parseBusinessDate(r *http.Request, param string) (time.Time, bool, error) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return time.Time{}, false, nil
	}
	d, err := model.ParseBusinessDate(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

func (s *Server) handleFindSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	positionKey := r.PathValue("positionKey")
	basis, err := queryDateBasis(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	businessDate, ok, err := parseBusinessDate(r, "businessDate")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid businessDate")
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "businessDate is required")
		return
	}
	snap, found, err := s.store.FindSnapshot(ctx, positionKey, businessDate, basis)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleFindSnapshotsForPosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	positionKey := r.PathValue("positionKey")
	basis, err := queryDateBasis(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, _, err := parseBusinessDate(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, _, err := parseBusinessDate(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	series, err := s.store.FindSnapshotsForPosition(ctx, positionKey, basis, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, series)
}

func (s *Server) handleFindSnapshotHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	positionKey := r.PathValue("positionKey")
	basis, err := queryDateBasis(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	businessDate, ok, err := parseBusinessDate(r, "businessDate")
	if err != nil || !ok {
		writeError(w, http.StatusBadRequest, "businessDate is required")
		return
	}
	history, err := s.store.FindSnapshotHistory(ctx, positionKey, businessDate, basis)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, history)
}

func (s *Server) handleFindPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	positionKey := r.PathValue("positionKey")
	basis, err := queryDateBasis(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	businessDate, ok, err := parseBusinessDate(r, "businessDate")
	if err != nil || !ok {
		writeError(w, http.StatusBadRequest, "businessDate is required")
		return
	}
	method := model.PriceMethod(r.URL.Query().Get("priceMethod"))
	if method == "" {
		method = model.PriceMethodWAC
	}
	price, found, err := s.store.FindPrice(ctx, positionKey, businessDate, method, basis)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "price not found")
		return
	}
	writeJSON(w, price)
}

func (s *Server) handleFindPricesForSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	positionKey := r.PathValue("positionKey")
	basis, err := queryDateBasis(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	businessDate, ok, err := parseBusinessDate(r, "businessDate")
	if err != nil || !ok {
		writeError(w, http.StatusBadRequest, "businessDate is required")
		return
	}
	prices, err := s.store.FindPricesForSnapshot(ctx, positionKey, businessDate, basis)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, prices)
}

func (s *Server) handleFindAll(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.FindAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, configs)
}

func (s *Server) handleFindActive(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.FindActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, configs)
}

func (s *Server) handleFindByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	cfg, found, err := s.store.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "config not found")
		return
	}
	writeJSON(w, cfg)
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.PositionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	created, err := s.store.Create(r.Context(), cfg)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, created)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	var cfg model.PositionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cfg.ConfigID = id
	if err := s.store.Update(r.Context(), cfg); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, cfg)
}

func (s *Server) handleDeactivateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	if err := s.store.Deactivate(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
