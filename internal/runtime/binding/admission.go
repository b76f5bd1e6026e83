package binding

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/model"
)

// Principal is the authenticated caller of a connection.
type Principal interface {
	Tenant() string
	User() string
	Is(role string) bool
}

// Handshake is the state threaded through the admission chain.
type Handshake struct {
	Request *http.Request
	Service *model.Service
	// Auth is the Socket.IO CONNECT payload. Nil for raw WebSocket connections.
	Auth map[string]any
	// Principal is set by the authenticator step.
	Principal Principal
}

// Admission is one step of the admission chain. Steps run in order and the
// first error rejects the connection.
type Admission func(ctx context.Context, h *Handshake) error

// Authenticator resolves the principal of a handshake.
type Authenticator interface {
	Authenticate(ctx context.Context, h *Handshake) (Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, h *Handshake) (Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, h *Handshake) (Principal, error) {
	return f(ctx, h)
}

// StaticPrincipal is a Principal backed by plain fields.
type StaticPrincipal struct {
	TenantID string
	UserID   string
	RoleSet  []string
}

func (p StaticPrincipal) Tenant() string      { return p.TenantID }
func (p StaticPrincipal) User() string        { return p.UserID }
func (p StaticPrincipal) Is(role string) bool { return slices.Contains(p.RoleSet, role) }

// Anonymous admits everyone as a user-less principal of the default tenant.
func Anonymous() Authenticator {
	return AuthenticatorFunc(func(context.Context, *Handshake) (Principal, error) {
		return StaticPrincipal{}, nil
	})
}

// Header names read by HeaderAuthenticator.
const (
	HeaderTenant = "X-Tenant-Id"
	HeaderUser   = "X-User-Id"
	HeaderRoles  = "X-User-Roles"
)

// HeaderAuthenticator trusts identity headers set by an upstream gateway. A
// request without a user header is rejected when requireUser is set.
func HeaderAuthenticator(requireUser bool) Authenticator {
	return AuthenticatorFunc(func(_ context.Context, h *Handshake) (Principal, error) {
		r := h.Request
		p := StaticPrincipal{
			TenantID: r.Header.Get(HeaderTenant),
			UserID:   r.Header.Get(HeaderUser),
		}
		if requireUser && p.UserID == "" {
			return nil, errspkg.ErrUnauthenticated
		}
		for _, role := range strings.Split(r.Header.Get(HeaderRoles), ",") {
			if role = strings.TrimSpace(role); role != "" {
				p.RoleSet = append(p.RoleSet, role)
			}
		}
		return p, nil
	})
}

func authenticate(a Authenticator) Admission {
	return func(ctx context.Context, h *Handshake) error {
		p, err := a.Authenticate(ctx, h)
		if err != nil {
			var ee *errspkg.EventError
			if errors.As(err, &ee) {
				return ee
			}
			return errspkg.ErrUnauthenticated.WithCause(err)
		}
		if p == nil {
			return errspkg.ErrUnauthenticated
		}
		h.Principal = p
		return nil
	}
}

// requireServiceRoles admits principals holding any of the service's roles.
func requireServiceRoles(_ context.Context, h *Handshake) error {
	if len(h.Service.Roles) == 0 {
		return nil
	}
	for _, role := range h.Service.Roles {
		if h.Principal.Is(role) {
			return nil
		}
	}
	return errspkg.ErrForbidden
}

// admit runs the chain and returns the principal or the structured rejection.
func (c *core) admit(ctx context.Context, h *Handshake) (Principal, *errspkg.EventError) {
	for _, step := range c.chain {
		if err := step(ctx, h); err != nil {
			return nil, errspkg.AsEventError(err)
		}
	}
	return h.Principal, nil
}
