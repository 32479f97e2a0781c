package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	StatusActive    SessionStatus = "ACTIVE"
	StatusExpired   SessionStatus = "EXPIRED"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusAbandoned SessionStatus = "ABANDONED"
)

// IsTerminal reports whether a session in this status can no longer change.
func (s SessionStatus) IsTerminal() bool {
	return s != StatusActive
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

type ActionType string

const (
	ActionScan           ActionType = "SCAN"
	ActionAddToCart      ActionType = "ADD_TO_CART"
	ActionPlaceOrder     ActionType = "PLACE_ORDER"
	ActionCallServer     ActionType = "CALL_SERVER"
	ActionRequestBill    ActionType = "REQUEST_BILL"
	ActionMakePayment    ActionType = "MAKE_PAYMENT"
	ActionExtendSession  ActionType = "EXTEND_SESSION"
	ActionSubmitFeedback ActionType = "SUBMIT_FEEDBACK"
)

// GuestSession is a token-authenticated diner session bound to one table.
type GuestSession struct {
	ID       string        `json:"id"`
	Token    string        `json:"-"`
	BranchID string        `json:"branch_id"`
	TableID  string        `json:"table_id"`
	QRCodeID string        `json:"qr_code_id"`
	Status   SessionStatus `json:"status"`

	ExpiresAt     time.Time `json:"expires_at"`
	FirstAccessAt time.Time `json:"first_access_at"`
	LastAccessAt  time.Time `json:"last_access_at"`
	AccessCount   int64     `json:"access_count"`

	Cart       *Cart        `json:"cart,omitempty"`
	Guest      *GuestInfo   `json:"guest,omitempty"`
	Actions    []Action     `json:"actions"`
	OrderIDs   []string     `json:"order_ids"`
	OrderCount int64        `json:"order_count"`
	Service    ServiceState `json:"service"`
	Payment    PaymentState `json:"payment"`
	Metadata   Metadata     `json:"metadata"`

	SessionDuration *time.Duration `json:"session_duration,omitempty"`
	AbandonedAt     *time.Time     `json:"abandoned_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Expired reports whether the session deadline has passed at now.
func (s GuestSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type CartModifier struct {
	ID    string          `json:"id"`
	Name  string          `json:"name,omitempty"`
	Price decimal.Decimal `json:"price"`
}

type CartItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Modifiers []CartModifier  `json:"modifiers,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// Cart is replaced wholesale on every update.
type Cart struct {
	Items     []CartItem      `json:"items"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tax       decimal.Decimal `json:"tax"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Quantity returns the total number of units across all lines.
func (c *Cart) Quantity() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

type Action struct {
	ID        int64          `json:"id"`
	Action    ActionType     `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

type ServiceState struct {
	CallServerCount  int64      `json:"call_server_count"`
	LastCallServerAt *time.Time `json:"last_call_server_at,omitempty"`
	BillRequested    bool       `json:"bill_requested"`
	BillRequestedAt  *time.Time `json:"bill_requested_at,omitempty"`
}

type PaymentState struct {
	Completed   bool            `json:"completed"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Method      string          `json:"method,omitempty"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
}

type GuestInfo struct {
	Name      string `json:"name,omitempty" validate:"max=100"`
	Phone     string `json:"phone,omitempty" validate:"max=32"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
	PartySize int    `json:"party_size,omitempty" validate:"min=0,max=100"`
	Notes     string `json:"notes,omitempty" validate:"max=500"`
}

type DeviceInfo struct {
	UserAgent string `json:"user_agent,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Browser   string `json:"browser,omitempty"`
	Language  string `json:"language,omitempty"`
	IP        string `json:"ip,omitempty"`
}

type Feedback struct {
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Metadata limits.
const (
	MaxExtraKeys     = 16
	MaxExtraKeyLen   = 64
	MaxExtraValueLen = 256
)

// Metadata holds the documented extension fields of a session.
// ExpirationWarnings lists the warning thresholds already sent, e.g. "15min".
type Metadata struct {
	Device             *DeviceInfo       `json:"device,omitempty"`
	ExpirationWarnings []string          `json:"expiration_warnings,omitempty"`
	Feedback           *Feedback         `json:"feedback,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// HasWarning reports whether the marker has already been recorded.
func (m Metadata) HasWarning(marker string) bool {
	for _, w := range m.ExpirationWarnings {
		if w == marker {
			return true
		}
	}
	return false
}

type QRCodeStatus string

const (
	QRCodeActive   QRCodeStatus = "ACTIVE"
	QRCodeInactive QRCodeStatus = "INACTIVE"
)

type QRCode struct {
	ID            string       `json:"id"`
	Code          string       `json:"code"`
	BranchID      string       `json:"branch_id"`
	TableID       string       `json:"table_id"`
	Status        QRCodeStatus `json:"status"`
	ScanCount     int64        `json:"scan_count"`
	LastScannedAt *time.Time   `json:"last_scanned_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Lease grants one owner exclusive use of a named resource until ExpiresAt.
type Lease struct {
	Name       string    `json:"name"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// APIKey authenticates a staff integration such as a kitchen display.
type APIKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Roles     []string  `json:"roles"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
