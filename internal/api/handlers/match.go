package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"codematch-backend/internal/logger"
	"codematch-backend/internal/storage"
)

const historyDefaultLimit = 20

type MatchHandler struct {
	storage *storage.Storage
}

func NewMatchHandler(st *storage.Storage) *MatchHandler {
	return &MatchHandler{storage: st}
}

// GetMatch returns the live proposal record. Clients poll it to
// resynchronize after a reconnect instead of replaying pushed events.
func (h *MatchHandler) GetMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if matchID == "" {
		writeError(w, http.StatusBadRequest, "missing match_id", "match_id is required")
		return
	}

	proposal, err := h.storage.Redis.GetProposal(r.Context(), matchID)
	if err != nil {
		if errors.Is(err, storage.ErrMatchNotFound) {
			writeError(w, http.StatusNotFound, "match not found", "no match with that id, it may have expired")
			return
		}
		logger.Error("failed to read match", "matchId", matchID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get match", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, proposal)
}

// GetHistory returns a user's archived match outcomes, newest first.
func (h *MatchHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id", "user_id is required")
		return
	}

	limit := historyDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid limit", "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	if h.storage.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable", "match history storage is not configured")
		return
	}

	outcomes, err := h.storage.DB.ListUserOutcomes(r.Context(), userID, limit)
	if err != nil {
		logger.Error("failed to read match history", "userId", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get match history", err.Error())
		return
	}
	if outcomes == nil {
		outcomes = []storage.MatchOutcome{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"matches": outcomes,
	})
}
