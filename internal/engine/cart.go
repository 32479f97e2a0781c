package engine

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"tableside/internal/domain"
)

const (
	maxNotesLen   = 500
	maxCommentLen = 1000
	maxNameLen    = 100
	maxPhoneLen   = 32
	maxPartySize  = 100
)

// buildCart validates items and computes line and cart totals.
func (e Engine) buildCart(items []domain.CartItem, now time.Time) (domain.Cart, error) {
	limit := e.Config.Session.MaxCartItems
	if len(items) == 0 {
		return domain.Cart{}, invalidArgument("cart must contain at least one item")
	}
	if len(items) > limit {
		return domain.Cart{}, invalidArgument("cart holds at most %d items", limit)
	}
	cart := domain.Cart{Items: make([]domain.CartItem, 0, len(items)), UpdatedAt: now}
	subtotal := decimal.Zero
	for i, it := range items {
		it.ProductID = strings.TrimSpace(it.ProductID)
		if it.ProductID == "" {
			return domain.Cart{}, invalidArgument("items[%d]: product id required", i)
		}
		if it.Quantity < 1 {
			return domain.Cart{}, invalidArgument("items[%d]: quantity must be at least 1", i)
		}
		if it.UnitPrice.IsNegative() {
			return domain.Cart{}, invalidArgument("items[%d]: unit price must not be negative", i)
		}
		if utf8.RuneCountInString(it.Notes) > maxNotesLen {
			return domain.Cart{}, invalidArgument("items[%d]: notes exceed %d characters", i, maxNotesLen)
		}
		unit := it.UnitPrice.Round(2)
		it.UnitPrice = unit
		it.Modifiers = append([]domain.CartModifier(nil), it.Modifiers...)
		for j, m := range it.Modifiers {
			if m.Price.IsNegative() {
				return domain.Cart{}, invalidArgument("items[%d].modifiers[%d]: price must not be negative", i, j)
			}
			it.Modifiers[j].Price = m.Price.Round(2)
			unit = unit.Add(it.Modifiers[j].Price)
		}
		it.Subtotal = unit.Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2)
		subtotal = subtotal.Add(it.Subtotal)
		cart.Items = append(cart.Items, it)
	}
	cart.Subtotal = subtotal
	cart.Tax = subtotal.Mul(e.Config.Session.TaxRateDecimal()).Round(2)
	cart.Total = cart.Subtotal.Add(cart.Tax)
	return cart, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateGuestInfo checks the validate tags on domain.GuestInfo. The limits
// there mirror the constants above.
func validateGuestInfo(g domain.GuestInfo) error {
	var verrs validator.ValidationErrors
	if err := validate.Struct(g); !errors.As(err, &verrs) {
		return err
	}
	switch verrs[0].Field() {
	case "Name":
		return invalidArgument("name exceeds %d characters", maxNameLen)
	case "Phone":
		return invalidArgument("phone exceeds %d characters", maxPhoneLen)
	case "Email":
		return invalidArgument("invalid email address")
	case "PartySize":
		return invalidArgument("party size must be between 0 and %d", maxPartySize)
	default:
		return invalidArgument("notes exceed %d characters", maxNotesLen)
	}
}

func validateExtra(extra map[string]string) error {
	if len(extra) > domain.MaxExtraKeys {
		return invalidArgument("metadata holds at most %d keys", domain.MaxExtraKeys)
	}
	for k, v := range extra {
		if k == "" || len(k) > domain.MaxExtraKeyLen {
			return invalidArgument("metadata key %q must be 1-%d characters", k, domain.MaxExtraKeyLen)
		}
		if len(v) > domain.MaxExtraValueLen {
			return invalidArgument("metadata value for %q exceeds %d characters", k, domain.MaxExtraValueLen)
		}
	}
	return nil
}
