package checkout

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/thevaultshop/checkout/internal/domain"
	"github.com/thevaultshop/checkout/internal/payment"
)

type Handler struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
}

func NewHandler(orchestrator *Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

type checkoutRequest struct {
	UserID          string            `json:"user_id"`
	Cart            []domain.CartLine `json:"cart"`
	ShippingAddress string            `json:"shipping_address"`
	Subtotal        int64             `json:"subtotal"`
	Tax             int64             `json:"tax"`
	Shipping        int64             `json:"shipping"`
	Total           int64             `json:"total"`
}

func (r checkoutRequest) attempt() Attempt {
	return Attempt{
		UserID:          r.UserID,
		Cart:            r.Cart,
		ShippingAddress: r.ShippingAddress,
		Amounts: payment.AmountBreakdown{
			Subtotal: r.Subtotal,
			Tax:      r.Tax,
			Shipping: r.Shipping,
			Total:    r.Total,
		},
	}
}

func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.orchestrator.Initiate(r.Context(), req.attempt())
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type captureCallbackRequest struct {
	ExternalRef string `json:"external_ref"`
	PayerID     string `json:"payer_id,omitempty"` // forwarded by PayPal, unused
	checkoutRequest
}

func (h *Handler) HandleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.orchestrator.Capture(r.Context(), CaptureRequest{
		ExternalRef: req.ExternalRef,
		Attempt:     req.attempt(),
	})
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// writeFailure maps the orchestrator's failure kinds onto the wire.
// Every kind stays machine-distinguishable for the caller.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	// Checked before OutOfStockError: a settlement failure can wrap a
	// stock shortfall, but money has already been captured and the
	// caller must see that.
	var settlement *SettlementError
	if errors.As(err, &settlement) {
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":            "payment was captured but the order could not be fulfilled, contact support",
			"kind":             "settlement_failed",
			"payment_captured": settlement.PaymentCaptured,
		})
		return
	}

	var oos *domain.OutOfStockError
	if errors.As(err, &oos) {
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":           "insufficient stock",
			"kind":            "stock_rejected",
			"deficient_items": oos.Items,
		})
		return
	}

	if errors.Is(err, ErrAmountMismatch) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": err.Error(),
			"kind":  "amount_mismatch",
		})
		return
	}

	if errors.Is(err, payment.ErrDeclined) {
		h.writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": err.Error(),
			"kind":  "declined",
		})
		return
	}

	var gw *payment.GatewayError
	if errors.As(err, &gw) {
		h.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     gw.Message,
			"kind":      "gateway_error",
			"transient": gw.Transient,
		})
		return
	}

	if errors.Is(err, ErrInvalidRequest) {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Error("checkout failed", "error", err)
	h.writeError(w, http.StatusInternalServerError, "internal server error")
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
