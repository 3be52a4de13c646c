package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dmitro3/flipnosis/internal/game/session"
	"github.com/dmitro3/flipnosis/internal/offers"
)

// RESTHandler pairs the WebSocket protocol with a small read/create
// surface for listings and session snapshots.
type RESTHandler struct {
	ledger *offers.Ledger
	store  *session.Store
}

// NewRESTHandler creates the REST surface.
func NewRESTHandler(ledger *offers.Ledger, store *session.Store) *RESTHandler {
	return &RESTHandler{ledger: ledger, store: store}
}

// RegisterRoutes registers the REST routes with an HTTP mux.
func (h *RESTHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/listings", h.handleCreateListing)
	mux.HandleFunc("GET /api/listings", h.handleListListings)
	mux.HandleFunc("GET /api/listings/{id}", h.handleGetListing)
	mux.HandleFunc("GET /api/listings/{id}/offers", h.handleListOffers)
	mux.HandleFunc("DELETE /api/listings/{id}", h.handleCancelListing)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleGetSession)
}

func (h *RESTHandler) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req offers.CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	listing, err := h.ledger.CreateListing(req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

func (h *RESTHandler) handleListListings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.ListOpenListings())
}

func (h *RESTHandler) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	listing, err := h.ledger.GetListing(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *RESTHandler) handleListOffers(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.OffersForListing(id))
}

func (h *RESTHandler) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	requester := r.URL.Query().Get("address")
	if err := h.ledger.CancelListing(id, requester); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RESTHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	snap, err := h.store.Snapshot(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, offers.ErrListingNotFound), errors.Is(err, offers.ErrOfferNotFound):
		return http.StatusNotFound
	case errors.Is(err, offers.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, offers.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, offers.ErrInvalidOffer):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
