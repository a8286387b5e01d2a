package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"codematch-backend/internal/logger"
	"codematch-backend/internal/queue"
)

type QueueHandler struct {
	queueManager *queue.Manager
}

func NewQueueHandler(queueManager *queue.Manager) *QueueHandler {
	return &QueueHandler{queueManager: queueManager}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// GetQueueStatus reports the waiting-user count for every non-empty
// (difficulty, language) partition.
func (h *QueueHandler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queueManager.PartitionCounts(r.Context())
	if err != nil {
		logger.Error("failed to read queue counts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get queue status", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queues":    counts,
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, error, message string) {
	writeJSON(w, status, ErrorResponse{Error: error, Message: message})
}
