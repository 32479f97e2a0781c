package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tableside/internal/domain"
	"tableside/internal/events"
	"tableside/internal/notify"
	"tableside/internal/ordering"
	"tableside/internal/qr"
	"tableside/internal/repo"
)

// CreateOptions describe a guest scan.
type CreateOptions struct {
	QRCode string
	Device *domain.DeviceInfo
	Extra  map[string]string
}

// Create opens an ACTIVE session for the table behind a scanned QR code.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (s domain.GuestSession, err error) {
	defer e.observe("create", &err)
	if err := validateExtra(opts.Extra); err != nil {
		return s, err
	}
	code, err := e.QR.Validate(ctx, opts.QRCode)
	if errors.Is(err, qr.ErrNotFound) || errors.Is(err, qr.ErrInactive) {
		return s, newError(KindInvalidQRCode, "invalid or inactive QR code", err)
	}
	if err != nil {
		return s, classify(err)
	}
	tok, err := e.Tokens.Issue()
	if err != nil {
		return s, fmt.Errorf("issue token: %w", err)
	}
	now := e.now()
	s = domain.GuestSession{
		ID:            uuid.NewString(),
		Token:         tok,
		BranchID:      code.BranchID,
		TableID:       code.TableID,
		QRCodeID:      code.ID,
		Status:        domain.StatusActive,
		ExpiresAt:     now.Add(e.Config.Session.TTL),
		FirstAccessAt: now,
		LastAccessAt:  now,
		AccessCount:   1,
		Metadata:      domain.Metadata{Device: opts.Device, Extra: opts.Extra},
		Payment:       domain.PaymentState{TotalSpent: decimal.Zero},
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GuestSession{}, classify(err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.GuestSession{}, classify(fmt.Errorf("insert session: %w", err))
	}
	if err := e.appendAction(ctx, tx, s.ID, domain.ActionScan, events.Details{"qr_code_id": code.ID, "table_id": code.TableID}); err != nil {
		return domain.GuestSession{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.GuestSession{}, classify(err)
	}
	e.Metrics.Transition(string(domain.StatusActive))
	e.recordScan(ctx, code.ID)

	s, err = e.Repo.WithHistory(ctx, s)
	return s, classify(err)
}

func (e Engine) recordScan(ctx context.Context, qrCodeID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordScanTimeout)
	defer cancel()
	if err := e.QR.RecordScan(ctx, qrCodeID); err != nil {
		e.log().WithField("qr_code_id", qrCodeID).WithError(err).Warn("record scan failed")
	}
}

// Resolve returns the live session for tok and counts the access.
func (e Engine) Resolve(ctx context.Context, tok string) (s domain.GuestSession, err error) {
	defer e.observe("resolve", &err)
	return e.atomic(ctx, tok, e.Repo.TouchSession, nil)
}

// Validate reports whether tok names a live session. Only store failures are returned.
func (e Engine) Validate(ctx context.Context, tok string) (bool, error) {
	_, err := e.Resolve(ctx, tok)
	switch KindOf(err) {
	case "":
		if err != nil {
			return false, err
		}
		return true, nil
	case KindSessionExpired, KindUnauthorized:
		return false, nil
	default:
		return false, err
	}
}

func (e Engine) guest(tok string, strict bool) mutateOptions {
	return mutateOptions{
		load:  func(ctx context.Context) (domain.GuestSession, error) { return e.loadByToken(ctx, tok, strict) },
		touch: true,
	}
}

// UpdateGuestInfo replaces the guest contact details.
func (e Engine) UpdateGuestInfo(ctx context.Context, tok string, info domain.GuestInfo) (s domain.GuestSession, err error) {
	defer e.observe("update_guest_info", &err)
	info.Name = strings.TrimSpace(info.Name)
	info.Email = strings.TrimSpace(info.Email)
	info.Phone = strings.TrimSpace(info.Phone)
	if err := validateGuestInfo(info); err != nil {
		return s, err
	}
	return e.mutate(ctx, e.guest(tok, false), func(s *domain.GuestSession, _ time.Time) (domain.ActionType, events.Details, error) {
		s.Guest = &info
		return "", nil, nil
	})
}

// UpdateCart replaces the cart and recomputes its totals.
func (e Engine) UpdateCart(ctx context.Context, tok string, items []domain.CartItem) (s domain.GuestSession, err error) {
	defer e.observe("update_cart", &err)
	return e.mutate(ctx, e.guest(tok, false), func(s *domain.GuestSession, now time.Time) (domain.ActionType, events.Details, error) {
		cart, err := e.buildCart(items, now)
		if err != nil {
			return "", nil, err
		}
		s.Cart = &cart
		return domain.ActionAddToCart, events.Details{"item_count": len(cart.Items), "quantity": cart.Quantity()}, nil
	})
}

func (e Engine) ClearCart(ctx context.Context, tok string) (s domain.GuestSession, err error) {
	defer e.observe("clear_cart", &err)
	return e.mutate(ctx, e.guest(tok, false), func(s *domain.GuestSession, _ time.Time) (domain.ActionType, events.Details, error) {
		s.Cart = nil
		return "", nil, nil
	})
}

// AddOrder links an externally created order. Linking the same id twice is a no-op.
func (e Engine) AddOrder(ctx context.Context, tok, orderID string) (s domain.GuestSession, err error) {
	defer e.observe("add_order", &err)
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return s, invalidArgument("order id required")
	}
	return e.atomic(ctx, tok, e.Repo.TouchSession, func(tx *sql.Tx, s *domain.GuestSession, now time.Time) error {
		return e.linkOrder(ctx, tx, s.ID, orderID, now, nil)
	})
}

func (e Engine) linkOrder(ctx context.Context, tx *sql.Tx, sessionID, orderID string, now time.Time, extra events.Details) error {
	added, err := e.Repo.LinkOrder(ctx, tx, sessionID, orderID, now)
	if err != nil || !added {
		return err
	}
	details := events.Details{"order_id": orderID}
	for k, v := range extra {
		details[k] = v
	}
	return e.appendAction(ctx, tx, sessionID, domain.ActionPlaceOrder, details)
}

// PlaceOrder sends the current cart to the order service, links the new order and
// clears the cart.
func (e Engine) PlaceOrder(ctx context.Context, tok, notes string) (s domain.GuestSession, orderID string, err error) {
	defer e.observe("place_order", &err)
	if e.Orders == nil {
		return s, "", newError(KindUnavailable, "order service not configured", nil)
	}
	snap, err := e.loadByToken(ctx, tok, false)
	if err != nil {
		return snap, "", err
	}
	if snap.Cart == nil || len(snap.Cart.Items) == 0 {
		return snap, "", invalidArgument("cart is empty")
	}
	orderID, err = e.Orders.CreateOrder(ctx, ordering.Request{
		BranchID:  snap.BranchID,
		TableID:   snap.TableID,
		SessionID: snap.ID,
		Cart:      *snap.Cart,
		Guest:     snap.Guest,
		Notes:     strings.TrimSpace(notes),
	})
	if errors.Is(err, ordering.ErrRejected) {
		return snap, "", newError(KindInvalidArgument, "order rejected", err)
	}
	if err != nil {
		return snap, "", newError(KindUnavailable, "order service failed", err)
	}
	s, err = e.atomic(ctx, tok, e.Repo.TouchSession, func(tx *sql.Tx, cur *domain.GuestSession, now time.Time) error {
		// A cart edited after the snapshot was taken stays in place.
		if cur.Cart != nil && cur.Cart.UpdatedAt.Equal(snap.Cart.UpdatedAt) {
			cur.Cart = nil
			if err := e.Repo.UpdateSession(ctx, tx, *cur, repo.UpdateOptions{Now: now}); err != nil {
				return err
			}
		}
		return e.linkOrder(ctx, tx, cur.ID, orderID, now, events.Details{
			"total":      snap.Cart.Total.StringFixed(2),
			"item_count": len(snap.Cart.Items),
		})
	})
	if err != nil {
		e.log().WithFields(logrus.Fields{"session_id": snap.ID, "order_id": orderID}).WithError(err).Error("order created but not linked")
	}
	return s, orderID, err
}

// CallServer counts a service request and alerts staff at the branch.
func (e Engine) CallServer(ctx context.Context, tok, notes string) (s domain.GuestSession, err error) {
	defer e.observe("call_server", &err)
	notes = strings.TrimSpace(notes)
	if utf8.RuneCountInString(notes) > maxNotesLen {
		return s, invalidArgument("notes exceed %d characters", maxNotesLen)
	}
	s, err = e.atomic(ctx, tok, e.Repo.IncrementCallServer, func(tx *sql.Tx, s *domain.GuestSession, _ time.Time) error {
		details := events.Details{"count": s.Service.CallServerCount}
		if notes != "" {
			details["notes"] = notes
		}
		return e.appendAction(ctx, tx, s.ID, domain.ActionCallServer, details)
	})
	if err != nil {
		return s, err
	}
	e.publish(ctx, notify.ServerCalled, notify.ScopeBranch, s.BranchID, map[string]any{
		"session_id": s.ID,
		"table_id":   s.TableID,
		"count":      s.Service.CallServerCount,
		"notes":      notes,
	})
	return s, nil
}

// RequestBill flags the session for billing. The first request time is kept.
func (e Engine) RequestBill(ctx context.Context, tok string) (s domain.GuestSession, err error) {
	defer e.observe("request_bill", &err)
	s, err = e.mutate(ctx, e.guest(tok, false), func(s *domain.GuestSession, now time.Time) (domain.ActionType, events.Details, error) {
		first := !s.Service.BillRequested
		if first {
			s.Service.BillRequested = true
			t := now
			s.Service.BillRequestedAt = &t
		}
		return domain.ActionRequestBill, events.Details{"first": first}, nil
	})
	if err != nil {
		return s, err
	}
	data := map[string]any{"session_id": s.ID, "table_id": s.TableID}
	if s.Cart != nil {
		data["total"] = s.Cart.Total.StringFixed(2)
	}
	e.publish(ctx, notify.BillRequested, notify.ScopeBranch, s.BranchID, data)
	return s, nil
}

// RecordPayment adds a confirmed payment to the session total.
func (e Engine) RecordPayment(ctx context.Context, tok, method string, amount decimal.Decimal) (s domain.GuestSession, err error) {
	defer e.observe("record_payment", &err)
	method = strings.TrimSpace(method)
	if method == "" {
		return s, invalidArgument("payment method required")
	}
	if amount.IsNegative() {
		return s, invalidArgument("amount must not be negative")
	}
	amount = amount.Round(2)
	s, err = e.mutate(ctx, e.guest(tok, false), func(s *domain.GuestSession, now time.Time) (domain.ActionType, events.Details, error) {
		s.Payment.TotalSpent = s.Payment.TotalSpent.Add(amount)
		s.Payment.Completed = true
		t := now
		s.Payment.CompletedAt = &t
		s.Payment.Method = method
		return domain.ActionMakePayment, events.Details{"method": method, "amount": amount.StringFixed(2)}, nil
	})
	if err != nil {
		return s, err
	}
	e.publish(ctx, notify.PaymentConfirmed, notify.ScopeSession, s.Token, map[string]any{
		"session_id":  s.ID,
		"method":      method,
		"amount":      amount.StringFixed(2),
		"total_spent": s.Payment.TotalSpent.StringFixed(2),
	})
	return s, nil
}

func complete(s *domain.GuestSession, now time.Time) (domain.ActionType, events.Details, error) {
	s.Status = domain.StatusCompleted
	t := now
	s.CompletedAt = &t
	d := now.Sub(s.FirstAccessAt)
	if d < 0 {
		d = 0
	}
	s.SessionDuration = &d
	return "", nil, nil
}

// CompleteSession ends the session on the guest's behalf.
func (e Engine) CompleteSession(ctx context.Context, tok string) (s domain.GuestSession, err error) {
	defer e.observe("complete", &err)
	s, err = e.mutate(ctx, e.guest(tok, true), complete)
	if err == nil {
		e.Metrics.Transition(string(domain.StatusCompleted))
	}
	return s, err
}

// Extend pushes the deadline back by hours from the current deadline.
func (e Engine) Extend(ctx context.Context, tok string, hours int) (s domain.GuestSession, err error) {
	defer e.observe("extend", &err)
	if limit := e.Config.Session.MaxExtendHours; hours < 1 || hours > limit {
		return s, invalidArgument("hours must be between 1 and %d", limit)
	}
	return e.mutate(ctx, e.guest(tok, true), func(s *domain.GuestSession, _ time.Time) (domain.ActionType, events.Details, error) {
		s.ExpiresAt = s.ExpiresAt.Add(time.Duration(hours) * time.Hour)
		return domain.ActionExtendSession, events.Details{"hours": hours, "expires_at": s.ExpiresAt.Format(time.RFC3339)}, nil
	})
}

// SubmitFeedback stores the guest's rating; a later submission replaces it.
func (e Engine) SubmitFeedback(ctx context.Context, tok string, rating int, comment string) (s domain.GuestSession, err error) {
	defer e.observe("submit_feedback", &err)
	comment = strings.TrimSpace(comment)
	if rating < 1 || rating > 5 {
		return s, invalidArgument("rating must be between 1 and 5")
	}
	if utf8.RuneCountInString(comment) > maxCommentLen {
		return s, invalidArgument("comment exceeds %d characters", maxCommentLen)
	}
	return e.mutate(ctx, e.guest(tok, false), func(s *domain.GuestSession, now time.Time) (domain.ActionType, events.Details, error) {
		s.Metadata.Feedback = &domain.Feedback{Rating: rating, Comment: comment, SubmittedAt: now}
		return domain.ActionSubmitFeedback, events.Details{"rating": rating}, nil
	})
}
