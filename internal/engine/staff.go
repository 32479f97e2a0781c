package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tableside/internal/domain"
	"tableside/internal/notify"
	"tableside/internal/repo"
)

// Order statuses staff can report.
const (
	OrderConfirmed = "confirmed"
	OrderPreparing = "preparing"
	OrderReady     = "ready"
	OrderServed    = "served"
	OrderCancelled = "cancelled"
)

var orderStatusEvents = map[string]string{
	OrderConfirmed: notify.OrderConfirmed,
	OrderPreparing: notify.OrderPreparing,
	OrderReady:     notify.OrderReady,
	OrderServed:    notify.OrderServed,
	OrderCancelled: "",
}

// GetSession returns a session by id for staff. Lazy expiry applies but the read is
// not counted as a guest access.
func (e Engine) GetSession(ctx context.Context, id string) (s domain.GuestSession, err error) {
	defer e.observe("get_session", &err)
	s, err = e.loadByID(ctx, id, false)
	switch KindOf(err) {
	case "":
		return s, err
	case KindSessionExpired:
		if s.Status == domain.StatusActive {
			s, err = e.Repo.GetSession(ctx, id)
			return s, classify(err)
		}
		return s, nil
	default:
		return s, err
	}
}

// ListSessions returns sessions newest first.
func (e Engine) ListSessions(ctx context.Context, f repo.SessionFilters) (out []domain.GuestSession, err error) {
	defer e.observe("list_sessions", &err)
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalidArgument("unknown status %q", f.Status)
	}
	out, err = e.Repo.ListSessions(ctx, f)
	return out, classify(err)
}

func (e Engine) staff(id string) mutateOptions {
	return mutateOptions{
		load: func(ctx context.Context) (domain.GuestSession, error) { return e.loadByID(ctx, id, true) },
	}
}

// EndSession completes a session on the guest's behalf, e.g. when the table is cleared.
func (e Engine) EndSession(ctx context.Context, id string) (s domain.GuestSession, err error) {
	defer e.observe("end_session", &err)
	s, err = e.mutate(ctx, e.staff(id), complete)
	if err == nil {
		e.Metrics.Transition(string(domain.StatusCompleted))
	}
	return s, err
}

// RespondToServerCall tells the guest a server is on the way.
func (e Engine) RespondToServerCall(ctx context.Context, id, staffID, message string) (err error) {
	defer e.observe("server_call_response", &err)
	s, err := e.loadByID(ctx, id, true)
	if err != nil {
		return err
	}
	data := map[string]any{"session_id": s.ID, "message": strings.TrimSpace(message)}
	if staffID != "" {
		data["staff_id"] = staffID
	}
	e.publish(ctx, notify.ServerCallResponse, notify.ScopeSession, s.Token, data)
	return nil
}

// MarkBillReady tells the guest the bill can be paid. amount defaults to the cart total.
func (e Engine) MarkBillReady(ctx context.Context, id string, amount *decimal.Decimal) (err error) {
	defer e.observe("bill_ready", &err)
	if amount != nil && amount.IsNegative() {
		return invalidArgument("amount must not be negative")
	}
	s, err := e.loadByID(ctx, id, true)
	if err != nil {
		return err
	}
	data := map[string]any{"session_id": s.ID}
	switch {
	case amount != nil:
		data["total"] = amount.StringFixed(2)
	case s.Cart != nil:
		data["total"] = s.Cart.Total.StringFixed(2)
	}
	e.publish(ctx, notify.BillReady, notify.ScopeSession, s.Token, data)
	return nil
}

// Message is a free-form staff notification.
type Message struct {
	Type    string
	Title   string
	Message string
}

// NotifyGuest pushes a free-form message to the guest.
func (e Engine) NotifyGuest(ctx context.Context, id string, msg Message) (err error) {
	defer e.observe("notify", &err)
	msg.Title = strings.TrimSpace(msg.Title)
	msg.Message = strings.TrimSpace(msg.Message)
	if msg.Message == "" {
		return invalidArgument("message required")
	}
	if msg.Type == "" {
		msg.Type = "info"
	}
	s, err := e.loadByID(ctx, id, true)
	if err != nil {
		return err
	}
	e.publish(ctx, notify.Notification, notify.ScopeSession, s.Token, map[string]any{
		"session_id": s.ID,
		"type":       msg.Type,
		"title":      msg.Title,
		"message":    msg.Message,
	})
	return nil
}

// UpdateOrderStatus broadcasts a kitchen status change to the order's subscribers and
// to the guest's session channel.
func (e Engine) UpdateOrderStatus(ctx context.Context, orderID, status string) (err error) {
	defer e.observe("order_status", &err)
	orderID = strings.TrimSpace(orderID)
	status = strings.ToLower(strings.TrimSpace(status))
	if orderID == "" {
		return invalidArgument("order id required")
	}
	specific, ok := orderStatusEvents[status]
	if !ok {
		return invalidArgument("unknown order status %q", status)
	}
	s, err := e.Repo.GetSessionByOrderID(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return newError(KindNotFound, fmt.Sprintf("order %s is not linked to a session", orderID), nil)
	}
	if err != nil {
		return classify(err)
	}
	data := map[string]any{"order_id": orderID, "status": status, "session_id": s.ID, "table_id": s.TableID}
	e.publish(ctx, notify.OrderStatusUpdated, notify.ScopeOrder, orderID, data)
	if specific != "" {
		e.publish(ctx, specific, notify.ScopeOrder, orderID, data)
	}
	if s.Status == domain.StatusActive {
		e.publish(ctx, notify.OrderStatusUpdated, notify.ScopeSession, s.Token, data)
	}
	return nil
}
