package orders

import (
	"regexp"
	"testing"

	"github.com/thevaultshop/checkout/internal/domain"
)

func TestTransitionAllowed(t *testing.T) {
	allowed := []struct {
		from, to domain.OrderStatus
	}{
		{domain.OrderStatusPending, domain.OrderStatusPaid},
		{domain.OrderStatusPaid, domain.OrderStatusShipped},
		{domain.OrderStatusShipped, domain.OrderStatusDelivered},
		{domain.OrderStatusPending, domain.OrderStatusCancelled},
		{domain.OrderStatusPaid, domain.OrderStatusCancelled},
	}

	for _, tc := range allowed {
		if !TransitionAllowed(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	rejected := []struct {
		from, to domain.OrderStatus
	}{
		{domain.OrderStatusPaid, domain.OrderStatusPending},
		{domain.OrderStatusShipped, domain.OrderStatusCancelled},
		{domain.OrderStatusDelivered, domain.OrderStatusShipped},
		{domain.OrderStatusCancelled, domain.OrderStatusPaid},
		{domain.OrderStatusPending, domain.OrderStatusDelivered},
		{domain.OrderStatusDelivered, domain.OrderStatusDelivered},
	}

	for _, tc := range rejected {
		if TransitionAllowed(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestNewTrackingNumber(t *testing.T) {
	pattern := regexp.MustCompile(`^TRK-\d+-[0-9A-F]{8}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tn := NewTrackingNumber()
		if !pattern.MatchString(tn) {
			t.Fatalf("tracking number %q does not match expected format", tn)
		}
		if seen[tn] {
			t.Fatalf("duplicate tracking number %q", tn)
		}
		seen[tn] = true
	}
}
