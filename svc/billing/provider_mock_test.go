package billing_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dmitrymomot/splitkit/svc/billing"
)

type mockProvider struct {
	mock.Mock
}

var _ billing.PaymentProvider = (*mockProvider)(nil)

func (m *mockProvider) Name() string            { return "mock" }
func (m *mockProvider) SignatureHeader() string { return "X-Mock-Signature" }

func (m *mockProvider) EnsureCustomer(ctx context.Context, req billing.CustomerRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req billing.CheckoutSessionRequest) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if s := args.Get(0); s != nil {
		return s.(*billing.CheckoutSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) CreatePortalSession(ctx context.Context, req billing.PortalRequest) (*billing.PortalLink, error) {
	args := m.Called(ctx, req)
	if l := args.Get(0); l != nil {
		return l.(*billing.PortalLink), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) VerifyWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(ctx, payload, signature)
	if ev := args.Get(0); ev != nil {
		return ev.(*billing.Event), args.Error(1)
	}
	return nil, args.Error(1)
}
