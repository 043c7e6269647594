package billing

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/handler"
	"github.com/dmitrymomot/splitkit/pkg/logger"
	svc "github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

const defaultPaymentsLimit = 20

type webhookRequest struct {
	Payload   []byte
	Signature string
}

// bindWebhook keeps the body exactly as sent: the signature covers the raw bytes.
func (m *Module) bindWebhook(r *http.Request, v any) error {
	req, ok := v.(*webhookRequest)
	if !ok {
		return fmt.Errorf("%w: unexpected webhook target %T", errBadRequest, v)
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	req.Payload = payload
	req.Signature = r.Header.Get(m.svc.SignatureHeader())
	return nil
}

func (m *Module) webhook(ctx handler.Context, req webhookRequest) handler.Response {
	outcome, err := m.svc.HandleWebhook(ctx, req.Payload, req.Signature)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(map[string]string{"outcome": string(outcome)})
}

type checkoutRequest struct {
	PlanType string `json:"planType"`
}

type checkoutResponse struct {
	CheckoutURL  string                `json:"checkoutUrl,omitempty"`
	RedirectURL  string                `json:"redirectUrl,omitempty"`
	SessionID    string                `json:"sessionId,omitempty"`
	ExpiresAt    *time.Time            `json:"expiresAt,omitempty"`
	Reused       bool                  `json:"reused,omitempty"`
	Subscription *subscriptionResponse `json:"subscription,omitempty"`
}

func (m *Module) checkout(ctx handler.Context, req checkoutRequest) handler.Response {
	id := identityFrom(ctx)

	planType, err := plans.ParsePlanType(req.PlanType)
	if err != nil {
		return handler.Error(err)
	}

	res, err := m.svc.InitiateCheckout(ctx, svc.CheckoutRequest{
		UserID: id.UserID,
		Email:  id.Email,
		Plan:   planType,
	})
	if err != nil {
		return handler.Error(err)
	}

	out := checkoutResponse{
		CheckoutURL:  res.CheckoutURL,
		RedirectURL:  res.RedirectURL,
		SessionID:    res.SessionID,
		Reused:       res.Reused,
		Subscription: newSubscriptionResponse(res.Subscription),
	}
	if !res.ExpiresAt.IsZero() {
		out.ExpiresAt = &res.ExpiresAt
	}

	status := http.StatusOK
	if res.Subscription != nil {
		status = http.StatusCreated
	}
	m.logger.InfoContext(ctx, "checkout initiated",
		logger.UserID(id.UserID),
		logger.Plan(string(planType)),
		logger.Outcome(checkoutOutcome(res)),
	)
	return handler.JSON(out, handler.WithJSONStatus(status))
}

func checkoutOutcome(res *svc.CheckoutResult) string {
	switch {
	case res.Subscription != nil:
		return "activated"
	case res.Reused:
		return "reused"
	default:
		return "session_created"
	}
}

type paymentResponse struct {
	ID                uuid.UUID   `json:"id"`
	Amount            plans.Money `json:"amount"`
	Status            string      `json:"status"`
	ProviderPaymentID string      `json:"providerPaymentId,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
}

func newPaymentResponse(p *svc.Payment) *paymentResponse {
	if p == nil {
		return nil
	}
	return &paymentResponse{
		ID:                p.ID,
		Amount:            p.Amount,
		Status:            string(p.Status),
		ProviderPaymentID: p.ProviderPaymentID,
		CreatedAt:         p.CreatedAt,
	}
}

type subscriptionResponse struct {
	ID        uuid.UUID   `json:"id"`
	Plan      string      `json:"plan"`
	Status    string      `json:"status"`
	StartDate time.Time   `json:"startDate"`
	EndDate   *time.Time  `json:"endDate,omitempty"`
	AutoRenew bool        `json:"autoRenew"`
	Price     plans.Money `json:"price"`
}

func newSubscriptionResponse(s *svc.Subscription) *subscriptionResponse {
	if s == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:        s.ID,
		Plan:      string(s.PlanType),
		Status:    string(s.Status),
		StartDate: s.StartDate,
		EndDate:   s.EndDate,
		AutoRenew: s.AutoRenew,
		Price:     s.Price,
	}
}

type pendingResponse struct {
	Plan        string    `json:"plan"`
	CheckoutURL string    `json:"checkoutUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type currentResponse struct {
	Plan          string                   `json:"plan"`
	Status        string                   `json:"status,omitempty"`
	EffectivePlan string                   `json:"effectivePlan"`
	Limits        map[plans.Resource]int64 `json:"limits"`
	Features      []plans.Feature          `json:"features"`
	LastPayment   *paymentResponse         `json:"lastPayment"`
	Subscription  *subscriptionResponse    `json:"subscription,omitempty"`
	Pending       *pendingResponse         `json:"pending,omitempty"`
}

func (m *Module) currentSubscription(ctx handler.Context, _ struct{}) handler.Response {
	view, err := m.svc.CurrentPlan(ctx, identityFrom(ctx).UserID)
	if err != nil {
		return handler.Error(err)
	}

	out := currentResponse{
		Plan:          string(view.Plan),
		Status:        string(view.Status),
		EffectivePlan: string(view.Effective),
		Limits:        view.Limits,
		Features:      view.Features,
		LastPayment:   newPaymentResponse(view.LastPayment),
		Subscription:  newSubscriptionResponse(view.Subscription),
	}
	if out.Features == nil {
		out.Features = []plans.Feature{}
	}
	if view.Pending != nil {
		out.Pending = &pendingResponse{
			Plan:        string(view.Pending.Plan),
			CheckoutURL: view.Pending.URL,
			ExpiresAt:   view.Pending.ExpiresAt,
		}
	}
	return handler.JSON(out)
}

func (m *Module) billingPortal(ctx handler.Context, _ struct{}) handler.Response {
	link, err := m.svc.BillingPortal(ctx, identityFrom(ctx).UserID)
	if err != nil {
		return handler.Error(err)
	}
	return handler.Redirect(link.URL)
}

func (m *Module) listPlans(_ handler.Context, _ struct{}) handler.Response {
	return handler.JSON(map[string]any{"plans": m.svc.Catalog().Public()})
}

type paymentsRequest struct {
	Limit *int `query:"limit"`
}

func (m *Module) payments(ctx handler.Context, req paymentsRequest) handler.Response {
	limit := defaultPaymentsLimit
	if req.Limit != nil {
		if *req.Limit <= 0 {
			return handler.Error(fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
		}
		limit = *req.Limit
	}

	payments, err := m.svc.Payments(ctx, identityFrom(ctx).UserID, limit)
	if err != nil {
		return handler.Error(err)
	}

	out := make([]*paymentResponse, 0, len(payments))
	for i := range payments {
		out = append(out, newPaymentResponse(&payments[i]))
	}
	return handler.JSON(map[string]any{"payments": out})
}
