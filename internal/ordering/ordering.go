package ordering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tableside/internal/domain"
)

// ErrRejected is returned when the order service refuses the order.
var ErrRejected = errors.New("order rejected")

// Request is the cart snapshot handed to the order service.
type Request struct {
	BranchID  string            `json:"branch_id"`
	TableID   string            `json:"table_id"`
	SessionID string            `json:"session_id"`
	Cart      domain.Cart       `json:"cart"`
	Guest     *domain.GuestInfo `json:"guest,omitempty"`
	Notes     string            `json:"notes,omitempty"`
}

// Creator turns a cart snapshot into a downstream order.
type Creator interface {
	CreateOrder(ctx context.Context, req Request) (string, error)
}

// HTTPCreator posts orders to {BaseURL}/orders.
type HTTPCreator struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (c HTTPCreator) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c HTTPCreator) CreateOrder(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/orders"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}
	res, err := c.httpClient().Do(httpReq)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode >= 400 && res.StatusCode < 500 {
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, res.StatusCode, strings.TrimSpace(string(data)))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("order service status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	if out.OrderID == "" {
		return "", errors.New("order service returned no order_id")
	}
	return out.OrderID, nil
}
