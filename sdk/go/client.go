package tablesidesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SessionTokenHeader carries the guest session token.
const SessionTokenHeader = "X-Session-Token"

// Client is a minimal Tableside HTTP API client. Guest calls use SessionToken; staff
// calls use BearerToken or APIKey.
type Client struct {
	BaseURL      string
	BasePath     string
	SessionToken string
	APIKey       string
	BearerToken  string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Cart is the API cart model. Money values are decimal strings.
type Cart struct {
	Items []struct {
		ProductID string `json:"product_id"`
		Name      string `json:"name,omitempty"`
		Quantity  int    `json:"quantity"`
		UnitPrice string `json:"unit_price"`
		Subtotal  string `json:"subtotal"`
	} `json:"items"`
	Subtotal  string `json:"subtotal"`
	Tax       string `json:"tax"`
	Total     string `json:"total"`
	ItemCount int    `json:"item_count"`
}

// Session represents the API session model (partial).
type Session struct {
	ID          string    `json:"id"`
	BranchID    string    `json:"branch_id"`
	TableID     string    `json:"table_id"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	AccessCount int64     `json:"access_count"`
	Cart        *Cart     `json:"cart,omitempty"`
	OrderIDs    []string  `json:"order_ids"`
	Service     struct {
		CallServerCount int64 `json:"call_server_count"`
		BillRequested   bool  `json:"bill_requested"`
	} `json:"service"`
	Payment struct {
		Completed  bool   `json:"completed"`
		Method     string `json:"method,omitempty"`
		TotalSpent string `json:"total_spent"`
	} `json:"payment"`
	Version int64 `json:"version"`
}

// CartItem is one line of a cart update.
type CartItem struct {
	ProductID string     `json:"product_id"`
	Name      string     `json:"name,omitempty"`
	Quantity  int        `json:"quantity"`
	UnitPrice float64    `json:"unit_price"`
	Modifiers []Modifier `json:"modifiers,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

type Modifier struct {
	ID    string  `json:"id"`
	Name  string  `json:"name,omitempty"`
	Price float64 `json:"price"`
}

// SweepResult reports an on-demand sweep run.
type SweepResult struct {
	Sweep    string `json:"sweep"`
	Affected int64  `json:"affected"`
	Skipped  bool   `json:"skipped"`
	TookMS   int64  `json:"took_ms"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsSessionExpired reports whether err says the guest session is no longer usable.
func IsSessionExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "session_expired"
}

// CreateSession opens a session for a scanned QR code and stores its token on the client.
func (c *Client) CreateSession(ctx context.Context, qrCode string) (Session, error) {
	var resp struct {
		Token   string  `json:"token"`
		Session Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "sessions", map[string]any{"qr_code": qrCode}, &resp); err != nil {
		return Session{}, err
	}
	c.SessionToken = resp.Token
	return resp.Session, nil
}

// Session resolves the current guest session.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "session", nil, &resp)
	return resp, err
}

// Validate reports whether the session token is still live.
func (c *Client) Validate(ctx context.Context) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodGet, "session/validate", nil, &resp)
	return resp.Valid, err
}

// UpdateCart replaces the cart.
func (c *Client) UpdateCart(ctx context.Context, items []CartItem) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPut, "session/cart", map[string]any{"items": items}, &resp)
	return resp, err
}

// PlaceOrder submits the cart and returns the new order id.
func (c *Client) PlaceOrder(ctx context.Context, notes string) (string, Session, error) {
	var resp struct {
		OrderID string  `json:"order_id"`
		Session Session `json:"session"`
	}
	err := c.do(ctx, http.MethodPost, "session/orders", map[string]any{"notes": notes}, &resp)
	return resp.OrderID, resp.Session, err
}

// CallServer asks for a server.
func (c *Client) CallServer(ctx context.Context, notes string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "session/call-server", map[string]any{"notes": notes}, &resp)
	return resp, err
}

// RequestBill asks for the bill.
func (c *Client) RequestBill(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "session/bill", nil, &resp)
	return resp, err
}

// RecordPayment records a payment of amount.
func (c *Client) RecordPayment(ctx context.Context, method string, amount float64) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "session/payment", map[string]any{"method": method, "amount": amount}, &resp)
	return resp, err
}

// Extend pushes the expiry back by hours.
func (c *Client) Extend(ctx context.Context, hours int) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "session/extend", map[string]any{"hours": hours}, &resp)
	return resp, err
}

// Complete finishes the visit.
func (c *Client) Complete(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "session/complete", nil, &resp)
	return resp, err
}

// ListSessions lists sessions for staff. status may be empty.
func (c *Client) ListSessions(ctx context.Context, status, branchID string) ([]Session, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if branchID != "" {
		q.Set("branch_id", branchID)
	}
	endpoint := "staff/sessions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Session `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// EndSession completes a session for staff.
func (c *Client) EndSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("staff/sessions/%s/end", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// UpdateOrderStatus reports a kitchen status change.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("staff/orders/%s/status", url.PathEscape(orderID)), map[string]any{"status": status}, nil)
}

// RunSweep runs a maintenance sweep now.
func (c *Client) RunSweep(ctx context.Context, name string) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("staff/sweeps/%s/run", url.PathEscape(name)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.SessionToken != "" {
		req.Header.Set(SessionTokenHeader, c.SessionToken)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
