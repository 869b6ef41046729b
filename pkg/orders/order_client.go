// Package orders is the client for the external order-lifecycle service.
// This engine only reports terminal stop outcomes, delivered or skipped;
// refunds, cancellations and payment webhooks are owned entirely on the
// other side.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Order statuses this engine reports. The lifecycle service owns the rest.
const (
	StatusDelivered = "delivered"
	StatusSkipped   = "skipped"
)

// ServiceInterface defines the contract for the order lifecycle collaborator.
type ServiceInterface interface {
	UpdateOrderStatus(ctx context.Context, orderID, status string) error
}

// Client calls the order service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// UpdateOrderStatus reports an order-status change. Callers treat this as
// best-effort: the stop mutation that triggered it has already been
// committed, so a failure here is logged, never rolled back or retried.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return fmt.Errorf("orders.UpdateOrderStatus: encode body: %w", err)
	}

	url := fmt.Sprintf("%s/orders/%s/status", c.baseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("orders.UpdateOrderStatus: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("orders.UpdateOrderStatus: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("orders.UpdateOrderStatus: order service returned %d", resp.StatusCode)
	}
	return nil
}
