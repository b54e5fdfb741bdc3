package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

// Client settles overage charges against an external payment service
// over HTTP JSON.
type Client struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewClient creates a payment client for the given endpoint.
func NewClient(endpoint string, log *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      log,
	}
}

// ProcessPayment posts the payment request and fails on any non-2xx
// response.
func (c *Client) ProcessPayment(ctx context.Context, req interfaces.PaymentRequest) error {
	body, err := json.Marshal(map[string]any{
		"owner":    string(req.Owner),
		"amount":   req.Amount,
		"currency": req.Currency,
		"purpose":  req.Purpose,
	})
	if err != nil {
		return fmt.Errorf("encode payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build payment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("payment service: %w: %v", interfaces.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("payment service returned %d", resp.StatusCode)
	}

	c.log.Info("Processed payment",
		slog.String("owner", string(req.Owner)),
		slog.Float64("amount", req.Amount),
		slog.String("purpose", req.Purpose))
	return nil
}

// NopProcessor accepts every payment without side effects. Used when
// overage billing is disabled or in tests.
type NopProcessor struct{}

// ProcessPayment does nothing.
func (NopProcessor) ProcessPayment(ctx context.Context, req interfaces.PaymentRequest) error {
	return nil
}
