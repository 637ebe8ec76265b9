package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tably/payments/internal/readmodel"
)

// handleStatus returns the current snapshot of one auth request. A missing
// request and a restaurant mismatch both answer 404 so callers cannot probe
// for other tenants' request ids.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	authRequestID := mux.Vars(r)["id"]
	restaurantID := r.URL.Query().Get("restaurant_id")

	if _, err := uuid.Parse(authRequestID); err != nil {
		writeError(w, http.StatusBadRequest, "auth request id must be a UUID")
		return
	}
	if _, err := uuid.Parse(restaurantID); err != nil {
		writeError(w, http.StatusBadRequest, "restaurant_id must be a UUID")
		return
	}

	ar, err := readmodel.Get(r.Context(), s.db, authRequestID)
	if errors.Is(err, readmodel.ErrNotFound) {
		writeError(w, http.StatusNotFound, "auth request not found")
		return
	}
	if err != nil {
		s.logger.Printf("status read of %s failed: %v", authRequestID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ar.RestaurantID != restaurantID {
		writeError(w, http.StatusNotFound, "auth request not found")
		return
	}

	writeJSON(w, http.StatusOK, statusBody(ar))
}
