package inventory

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/thevaultshop/checkout/internal/domain"
)

type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{
		ledger: ledger,
		logger: logger,
	}
}

func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list stock", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemId")
	if itemID == "" {
		h.writeError(w, http.StatusBadRequest, "missing item id")
		return
	}

	stock, err := h.ledger.GetStock(r.Context(), itemID)
	if err != nil {
		h.logger.Error("failed to get stock", "error", err, "item_id", itemID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if stock == nil {
		h.writeError(w, http.StatusNotFound, "item not found")
		return
	}

	h.writeJSON(w, http.StatusOK, stock)
}

func (h *Handler) HandleMovements(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemId")
	if itemID == "" {
		h.writeError(w, http.StatusBadRequest, "missing item id")
		return
	}

	movements, err := h.ledger.Movements(r.Context(), itemID)
	if err != nil {
		h.logger.Error("failed to list stock movements", "error", err, "item_id", itemID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, movements)
}

type adjustRequest struct {
	Delta int `json:"delta"`
}

func (h *Handler) HandleAdjust(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemId")
	if itemID == "" {
		h.writeError(w, http.StatusBadRequest, "missing item id")
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Delta == 0 {
		h.writeError(w, http.StatusBadRequest, "delta must be non-zero")
		return
	}

	movement, err := h.ledger.Adjust(r.Context(), itemID, req.Delta)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			h.writeError(w, http.StatusNotFound, "item not found")
			return
		}
		var oos *domain.OutOfStockError
		if errors.As(err, &oos) {
			h.writeJSON(w, http.StatusConflict, map[string]any{
				"error":           "insufficient stock",
				"deficient_items": oos.Items,
			})
			return
		}
		h.logger.Error("failed to adjust stock", "error", err, "item_id", itemID, "delta", req.Delta)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("stock adjusted", "item_id", itemID, "delta", req.Delta, "stock_after", movement.StockAfter)
	h.writeJSON(w, http.StatusOK, movement)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
