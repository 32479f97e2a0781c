package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"tableside/internal/domain"
	"tableside/internal/engine"
)

type sessionOutput struct {
	Body SessionResponse `json:"body"`
}

func sessionResult(s domain.GuestSession, err error) (*sessionOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &sessionOutput{Body: mapSession(s)}, nil
}

type guestInput struct {
	Token string `header:"X-Session-Token" doc:"Guest session token"`
}

var guestErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusConflict,
	http.StatusGone,
	http.StatusServiceUnavailable,
}

func registerGuest(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Open a guest session from a scanned QR code",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		UserAgent      string `header:"User-Agent"`
		AcceptLanguage string `header:"Accept-Language"`
		Body           CreateSessionRequest
	}) (*struct {
		Body CreateSessionResponse `json:"body"`
	}, error) {
		device := &domain.DeviceInfo{
			UserAgent: input.UserAgent,
			IP:        clientIP(ctx),
			Language:  firstLanguage(input.AcceptLanguage),
		}
		if d := input.Body.Device; d != nil {
			device.Platform = d.Platform
			device.Browser = d.Browser
			if d.Language != "" {
				device.Language = d.Language
			}
		}
		s, err := e.Create(ctx, engine.CreateOptions{
			QRCode: strings.TrimSpace(input.Body.QRCode),
			Device: device,
			Extra:  input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateSessionResponse `json:"body"`
		}{Body: CreateSessionResponse{Token: s.Token, Session: mapSession(s)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Resolve the current guest session",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *guestInput) (*sessionOutput, error) {
		return sessionResult(e.Resolve(ctx, input.Token))
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-session",
		Method:      http.MethodGet,
		Path:        "/session/validate",
		Summary:     "Check whether a session token is live",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *guestInput) (*struct {
		Body ValidateResponse `json:"body"`
	}, error) {
		ok, err := e.Validate(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidateResponse `json:"body"`
		}{Body: ValidateResponse{Valid: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-guest-info",
		Method:      http.MethodPatch,
		Path:        "/session/guest",
		Summary:     "Replace guest contact details",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *struct {
		Token string `header:"X-Session-Token"`
		Body  GuestInfoRequest
	}) (*sessionOutput, error) {
		b := input.Body
		return sessionResult(e.UpdateGuestInfo(ctx, input.Token, domain.GuestInfo{
			Name:      b.Name,
			Phone:     b.Phone,
			Email:     b.Email,
			PartySize: b.PartySize,
			Notes:     b.Notes,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-cart",
		Method:      http.MethodPut,
		Path:        "/session/cart",
		Summary:     "Replace the cart",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *struct {
		Token string `header:"X-Session-Token"`
		Body  CartRequest
	}) (*sessionOutput, error) {
		return sessionResult(e.UpdateCart(ctx, input.Token, mapCartItems(input.Body.Items)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-cart",
		Method:      http.MethodDelete,
		Path:        "/session/cart",
		Summary:     "Empty the cart",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *guestInput) (*sessionOutput, error) {
		return sessionResult(e.ClearCart(ctx, input.Token))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "place-order",
		Method:        http.MethodPost,
		Path:          "/session/orders",
		Summary:       "Submit the cart as an order",
		DefaultStatus: http.StatusCreated,
		Errors:        guestErrors,
	}, func(ctx context.Context, input *struct {
		Token string `header:"X-Session-Token"`
		Body  *PlaceOrderRequest
	}) (*struct {
		Body PlaceOrderResponse `json:"body"`
	}, error) {
		notes := ""
		if input.Body != nil {
			notes = input.Body.Notes
		}
		s, orderID, err := e.PlaceOrder(ctx, input.Token, notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlaceOrderResponse `json:"body"`
		}{Body: PlaceOrderResponse{OrderID: orderID, Session: mapSession(s)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-order",
		Method:      http.MethodPost,
		Path:        "/session/orders/link",
		Summary:     "Attach an externally created order",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *struct {
		Token string `header:"X-Session-Token"`
		Body  LinkOrderRequest
	}) (*sessionOutput, error) {
		return sessionResult(e.AddOrder(ctx, input.Token, input.Body.OrderID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "call-server",
		Method:      http.MethodPost,
		Path:        "/session/call-server",
		Summary:     "Ask for a server",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *struct {
		Token string `header:"X-Session-Token"`
		Body  *CallServerRequest
	}) (*sessionOutput, error) {
		notes := ""
		if input.Body != nil {
			notes = input.Body.Notes
		}
		return sessionResult(e.CallServer(ctx, input.Token, notes))
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-bill",
		Method:      http.MethodPost,
		Path:        "/session/bill",
		Summary:     "Ask for the bill",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *guestInput) (*sessionOutput, error) {
		return sessionResult(e.RequestBill(ctx, input.Token))
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-payment",
		Method:      http.MethodPost,
		Path:        "/session/payment",
		Summary:     "Record a payment",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *struct {
		Token string `header:"X-Session-Token"`
		Body  PaymentRequest
	}) (*sessionOutput, error) {
		return sessionResult(e.RecordPayment(ctx, input.Token, input.Body.Method, toDecimal(input.Body.Amount)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-session",
		Method:      http.MethodPost,
		Path:        "/session/complete",
		Summary:     "Finish the visit",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *guestInput) (*sessionOutput, error) {
		return sessionResult(e.CompleteSession(ctx, input.Token))
	})

	huma.Register(api, huma.Operation{
		OperationID: "extend-session",
		Method:      http.MethodPost,
		Path:        "/session/extend",
		Summary:     "Push the expiry back",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *struct {
		Token string `header:"X-Session-Token"`
		Body  ExtendRequest
	}) (*sessionOutput, error) {
		return sessionResult(e.Extend(ctx, input.Token, input.Body.Hours))
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-feedback",
		Method:      http.MethodPost,
		Path:        "/session/feedback",
		Summary:     "Rate the visit",
		Errors:      guestErrors,
	}, func(ctx context.Context, input *struct {
		Token string `header:"X-Session-Token"`
		Body  FeedbackRequest
	}) (*sessionOutput, error) {
		return sessionResult(e.SubmitFeedback(ctx, input.Token, input.Body.Rating, input.Body.Comment))
	})
}

func firstLanguage(accept string) string {
	lang, _, _ := strings.Cut(accept, ",")
	lang, _, _ = strings.Cut(lang, ";")
	return strings.TrimSpace(lang)
}
