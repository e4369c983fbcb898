package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/thevaultshop/checkout/internal/domain"
)

// ConfirmationHandler consumes order.settled events and dispatches the
// purchase confirmation email. Delivery is best effort: a settled order
// stays settled whether or not the email goes out.
type ConfirmationHandler struct {
	emailServiceURL string
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewConfirmationHandler(emailServiceURL string, client *http.Client, logger *slog.Logger) *ConfirmationHandler {
	return &ConfirmationHandler{
		emailServiceURL: emailServiceURL,
		httpClient:      client,
		logger:          logger,
	}
}

func (h *ConfirmationHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.OrderSettledEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal order settled event: %w", err)
	}

	h.logger.Info("processing order settled event", "order_id", event.OrderID, "user_id", event.UserID)

	if err := h.sendConfirmationEmail(ctx, event); err != nil {
		h.logger.Error("failed to send confirmation email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send confirmation email: %w", err)
	}

	h.logger.Info("confirmation email dispatched", "order_id", event.OrderID)
	return nil
}

func (h *ConfirmationHandler) sendConfirmationEmail(ctx context.Context, event domain.OrderSettledEvent) error {
	body := map[string]string{
		"to":      event.UserID + "@example.com",
		"subject": fmt.Sprintf("Order confirmation #%s - The Vault", event.OrderID),
		"body": fmt.Sprintf("Thanks for your purchase! Your order of %d item(s) is confirmed. Tracking number: %s. Total: $%.2f.",
			len(event.Items), event.TrackingNumber, float64(event.Total)/100),
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}
