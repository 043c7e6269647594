package billing

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/handler"
	"github.com/dmitrymomot/splitkit/pkg/jwt"
	svc "github.com/dmitrymomot/splitkit/svc/billing"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID uuid.UUID
	Email  string
}

// Authenticator resolves the caller of a request. It returns an error
// wrapping billing.ErrUnauthenticated when there is none.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (Identity, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Identity, error) { return f(r) }

// JWTAuthenticator accepts HS256 bearer tokens whose subject is the user id.
type JWTAuthenticator struct {
	tokens *jwt.Service
}

func NewJWTAuthenticator(tokens *jwt.Service) *JWTAuthenticator {
	return &JWTAuthenticator{tokens: tokens}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw, err := jwt.BearerTokenExtractor(r)
	if err != nil {
		return Identity{}, errors.Join(svc.ErrUnauthenticated, err)
	}
	var claims jwt.Claims
	if err := a.tokens.Parse(raw, &claims); err != nil {
		return Identity{}, errors.Join(svc.ErrUnauthenticated, err)
	}
	userID, err := claims.UserID()
	if err != nil {
		return Identity{}, errors.Join(svc.ErrUnauthenticated, err)
	}
	return Identity{UserID: userID, Email: claims.Email}, nil
}

var identityKey = handler.NewContextKey("billing_identity")

func (m *Module) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.auth == nil {
			m.writeError(w, r, svc.ErrUnauthenticated)
			return
		}
		id, err := m.auth.Authenticate(r)
		if err == nil && id.UserID == uuid.Nil {
			err = svc.ErrUnauthenticated
		}
		if err != nil {
			if !errors.Is(err, svc.ErrUnauthenticated) {
				err = errors.Join(svc.ErrUnauthenticated, err)
			}
			m.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) Identity {
	return handler.ContextValue[Identity](ctx, identityKey)
}
