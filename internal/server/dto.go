package server

import (
	"time"

	"github.com/shopspring/decimal"

	"tableside/internal/domain"
	"tableside/internal/scheduler"
)

// Request payloads. Money arrives as JSON numbers and is returned as strings with two
// decimals.

type DeviceRequest struct {
	Platform string `json:"platform,omitempty"`
	Browser  string `json:"browser,omitempty"`
	Language string `json:"language,omitempty"`
}

type CreateSessionRequest struct {
	QRCode   string            `json:"qr_code" minLength:"1"`
	Device   *DeviceRequest    `json:"device,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type GuestInfoRequest struct {
	Name      string `json:"name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	PartySize int    `json:"party_size,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type ModifierRequest struct {
	ID    string  `json:"id"`
	Name  string  `json:"name,omitempty"`
	Price float64 `json:"price"`
}

type CartItemRequest struct {
	ProductID string            `json:"product_id"`
	Name      string            `json:"name,omitempty"`
	Quantity  int               `json:"quantity"`
	UnitPrice float64           `json:"unit_price"`
	Modifiers []ModifierRequest `json:"modifiers,omitempty"`
	Notes     string            `json:"notes,omitempty"`
}

type CartRequest struct {
	Items []CartItemRequest `json:"items"`
}

type PlaceOrderRequest struct {
	Notes string `json:"notes,omitempty"`
}

type LinkOrderRequest struct {
	OrderID string `json:"order_id" minLength:"1"`
}

type CallServerRequest struct {
	Notes string `json:"notes,omitempty"`
}

type PaymentRequest struct {
	Method string  `json:"method" minLength:"1"`
	Amount float64 `json:"amount"`
}

type ExtendRequest struct {
	Hours int `json:"hours"`
}

type FeedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

type ServerCallResponseRequest struct {
	Message string `json:"message,omitempty"`
}

type BillReadyRequest struct {
	Amount *float64 `json:"amount,omitempty"`
}

type NotifyRequest struct {
	Type    string `json:"type,omitempty" enum:"info,success,warning,error"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message" minLength:"1"`
}

type OrderStatusRequest struct {
	Status string `json:"status" enum:"confirmed,preparing,ready,served,cancelled"`
}

type DevLoginRequest struct {
	StaffID string   `json:"staff_id" minLength:"1"`
	Roles   []string `json:"roles"`
}

// Response payloads

type ModifierResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Price string `json:"price"`
}

type CartItemResponse struct {
	ProductID string             `json:"product_id"`
	Name      string             `json:"name,omitempty"`
	Quantity  int                `json:"quantity"`
	UnitPrice string             `json:"unit_price"`
	Modifiers []ModifierResponse `json:"modifiers"`
	Notes     string             `json:"notes,omitempty"`
	Subtotal  string             `json:"subtotal"`
}

type CartResponse struct {
	Items     []CartItemResponse `json:"items"`
	Subtotal  string             `json:"subtotal"`
	Tax       string             `json:"tax"`
	Total     string             `json:"total"`
	ItemCount int                `json:"item_count"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type PaymentResponse struct {
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Method      string     `json:"method,omitempty"`
	TotalSpent  string     `json:"total_spent"`
}

type ActionResponse struct {
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

type SessionResponse struct {
	ID                     string              `json:"id"`
	BranchID               string              `json:"branch_id"`
	TableID                string              `json:"table_id"`
	Status                 string              `json:"status"`
	ExpiresAt              time.Time           `json:"expires_at"`
	FirstAccessAt          time.Time           `json:"first_access_at"`
	LastAccessAt           time.Time           `json:"last_access_at"`
	AccessCount            int64               `json:"access_count"`
	Cart                   *CartResponse       `json:"cart,omitempty"`
	Guest                  *domain.GuestInfo   `json:"guest,omitempty"`
	OrderIDs               []string            `json:"order_ids"`
	OrderCount             int64               `json:"order_count"`
	Service                domain.ServiceState `json:"service"`
	Payment                PaymentResponse     `json:"payment"`
	Feedback               *domain.Feedback    `json:"feedback,omitempty"`
	Device                 *domain.DeviceInfo  `json:"device,omitempty"`
	ExpirationWarnings     []string            `json:"expiration_warnings"`
	Metadata               map[string]string   `json:"metadata,omitempty"`
	Actions                []ActionResponse    `json:"actions,omitempty"`
	SessionDurationSeconds *int64              `json:"session_duration_seconds,omitempty"`
	CompletedAt            *time.Time          `json:"completed_at,omitempty"`
	AbandonedAt            *time.Time          `json:"abandoned_at,omitempty"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
	Version                int64               `json:"version"`
}

type CreateSessionResponse struct {
	Token   string          `json:"token"`
	Session SessionResponse `json:"session"`
}

type ValidateResponse struct {
	Valid bool `json:"valid"`
}

type PlaceOrderResponse struct {
	OrderID string          `json:"order_id"`
	Session SessionResponse `json:"session"`
}

type SessionListResponse struct {
	Items      []SessionResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type AcceptedResponse struct {
	Status string `json:"status" example:"sent"`
}

type SweepResponse struct {
	Sweep    string `json:"sweep"`
	Affected int64  `json:"affected"`
	Skipped  bool   `json:"skipped"`
	TookMS   int64  `json:"took_ms"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func toDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func mapCartItems(items []CartItemRequest) []domain.CartItem {
	out := make([]domain.CartItem, 0, len(items))
	for _, it := range items {
		mods := make([]domain.CartModifier, 0, len(it.Modifiers))
		for _, m := range it.Modifiers {
			mods = append(mods, domain.CartModifier{ID: m.ID, Name: m.Name, Price: toDecimal(m.Price)})
		}
		out = append(out, domain.CartItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: toDecimal(it.UnitPrice),
			Modifiers: mods,
			Notes:     it.Notes,
		})
	}
	return out
}

func mapCart(c *domain.Cart) *CartResponse {
	if c == nil {
		return nil
	}
	items := make([]CartItemResponse, 0, len(c.Items))
	for _, it := range c.Items {
		mods := make([]ModifierResponse, 0, len(it.Modifiers))
		for _, m := range it.Modifiers {
			mods = append(mods, ModifierResponse{ID: m.ID, Name: m.Name, Price: money(m.Price)})
		}
		items = append(items, CartItemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: money(it.UnitPrice),
			Modifiers: mods,
			Notes:     it.Notes,
			Subtotal:  money(it.Subtotal),
		})
	}
	return &CartResponse{
		Items:     items,
		Subtotal:  money(c.Subtotal),
		Tax:       money(c.Tax),
		Total:     money(c.Total),
		ItemCount: c.Quantity(),
		UpdatedAt: c.UpdatedAt,
	}
}

func mapSession(s domain.GuestSession) SessionResponse {
	out := SessionResponse{
		ID:            s.ID,
		BranchID:      s.BranchID,
		TableID:       s.TableID,
		Status:        string(s.Status),
		ExpiresAt:     s.ExpiresAt,
		FirstAccessAt: s.FirstAccessAt,
		LastAccessAt:  s.LastAccessAt,
		AccessCount:   s.AccessCount,
		Cart:          mapCart(s.Cart),
		Guest:         s.Guest,
		OrderIDs:      nonNilSlice(s.OrderIDs),
		OrderCount:    s.OrderCount,
		Service:       s.Service,
		Payment: PaymentResponse{
			Completed:   s.Payment.Completed,
			CompletedAt: s.Payment.CompletedAt,
			Method:      s.Payment.Method,
			TotalSpent:  money(s.Payment.TotalSpent),
		},
		Feedback:           s.Metadata.Feedback,
		Device:             s.Metadata.Device,
		ExpirationWarnings: nonNilSlice(s.Metadata.ExpirationWarnings),
		Metadata:           s.Metadata.Extra,
		CompletedAt:        s.CompletedAt,
		AbandonedAt:        s.AbandonedAt,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		Version:            s.Version,
	}
	for _, a := range s.Actions {
		out.Actions = append(out.Actions, ActionResponse{Action: string(a.Action), Timestamp: a.Timestamp, Details: a.Details})
	}
	if s.SessionDuration != nil {
		secs := int64(s.SessionDuration.Seconds())
		out.SessionDurationSeconds = &secs
	}
	return out
}

func mapSessions(items []domain.GuestSession) []SessionResponse {
	out := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, mapSession(s))
	}
	return out
}

func mapSweep(r scheduler.Result) SweepResponse {
	return SweepResponse{Sweep: r.Sweep, Affected: r.Affected, Skipped: r.Skipped, TookMS: r.Took.Milliseconds()}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
