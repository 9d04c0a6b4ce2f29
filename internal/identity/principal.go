package identity

import (
	"context"
	"crypto/sha256"
	"sort"

	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Role constants.
const (
	// RoleManager is a property manager scoped to granted properties.
	RoleManager = "manager"
	// RoleOperator runs the platform: every property, replay and governor
	// controls.
	RoleOperator = "operator"
	// RoleService is an upstream system submitting events on behalf of
	// every property.
	RoleService = "service"
)

var validRoles = map[string]bool{
	RoleManager:  true,
	RoleOperator: true,
	RoleService:  true,
}

// ValidateRole checks that role is one of the known roles.
func ValidateRole(role string) error {
	if !validRoles[role] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid role %q: must be one of manager, operator, service", role)
	}
	return nil
}

// Principal is an authenticated caller.
type Principal struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name"`
	Role string `json:"role" yaml:"role"`
}

// ValidatePrincipal checks required fields on a Principal.
func ValidatePrincipal(p *Principal) error {
	if p.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "principal id is required")
	}
	return ValidateRole(p.Role)
}

// IsOperator reports whether p may use operator-only endpoints.
func (p *Principal) IsOperator() bool { return p != nil && p.Role == RoleOperator }

// Unscoped reports whether p sees every property.
func (p *Principal) Unscoped() bool {
	return p != nil && (p.Role == RoleOperator || p.Role == RoleService)
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the authenticated caller, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// TokenAuthenticator resolves static bearer tokens to principals. Tokens
// are held only as SHA-256 digests.
type TokenAuthenticator struct {
	tokens map[[sha256.Size]byte]*Principal
}

// NewTokenAuthenticator validates every principal and indexes its token.
func NewTokenAuthenticator(tokens map[string]Principal) (*TokenAuthenticator, error) {
	a := &TokenAuthenticator{tokens: make(map[[sha256.Size]byte]*Principal, len(tokens))}
	for token, p := range tokens {
		if token == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty token in token table")
		}
		if err := ValidatePrincipal(&p); err != nil {
			return nil, err
		}
		cp := p
		a.tokens[sha256.Sum256([]byte(token))] = &cp
	}
	return a, nil
}

// Authenticate returns the principal owning token.
func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, schema.NewError(schema.ErrCodeUnauthenticated, "missing bearer token")
	}
	p, ok := a.tokens[sha256.Sum256([]byte(token))]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeUnauthenticated, "unknown bearer token")
	}
	cp := *p
	return &cp, nil
}

// Scope is the set of properties a principal may see at one instant.
type Scope struct {
	all        bool
	properties map[string]struct{}
}

// AllProperties is the scope of operators and services.
func AllProperties() Scope { return Scope{all: true} }

// PropertiesScope limits access to ids.
func PropertiesScope(ids []string) Scope {
	s := Scope{properties: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.properties[id] = struct{}{}
	}
	return s
}

// All reports whether the scope is unrestricted.
func (s Scope) All() bool { return s.all }

// Allows reports whether propertyID is visible. Runs without a property are
// visible only to unrestricted scopes.
func (s Scope) Allows(propertyID string) bool {
	if s.all {
		return true
	}
	if propertyID == "" {
		return false
	}
	_, ok := s.properties[propertyID]
	return ok
}

// PropertyIDs returns the sorted property list of a restricted scope, or
// nil for an unrestricted one.
func (s Scope) PropertyIDs() []string {
	if s.all {
		return nil
	}
	ids := make([]string, 0, len(s.properties))
	for id := range s.properties {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ScopeResolver reads a principal's property grants from the store. It is
// called on every authorization decision so revocations apply at once.
type ScopeResolver struct {
	store store.ScopeStore
}

// NewScopeResolver creates a resolver over s.
func NewScopeResolver(s store.ScopeStore) *ScopeResolver {
	return &ScopeResolver{store: s}
}

// Resolve returns p's current scope.
func (r *ScopeResolver) Resolve(ctx context.Context, p *Principal) (Scope, error) {
	if p == nil {
		return Scope{}, schema.NewError(schema.ErrCodeUnauthenticated, "no principal")
	}
	if p.Unscoped() {
		return AllProperties(), nil
	}
	ids, err := r.store.ListPrincipalProperties(ctx, p.ID)
	if err != nil {
		return Scope{}, err
	}
	return PropertiesScope(ids), nil
}
