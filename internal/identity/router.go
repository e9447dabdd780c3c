// Package identity maps command types to the ledger identity allowed to
// submit them. Lookups are static and fail closed.
package identity

import (
	"errors"
	"fmt"
	"sort"

	"github.com/richardliu001/ledger-bridge/internal/model"
)

// ErrUnroutable is returned for a command type without a route.
var ErrUnroutable = errors.New("identity: no route for command type")

// Route is the identity and contract function of a command type.
type Route struct {
	Identity string
	Function string
}

// Router is an immutable routing table.
type Router struct {
	routes map[model.CommandType]Route
}

// DefaultRoutes is the least-privilege table used when config has none.
func DefaultRoutes() map[model.CommandType]Route {
	return map[model.CommandType]Route{
		model.CommandTransfer:         {Identity: "tokenomics", Function: "TransferTokens"},
		model.CommandMint:             {Identity: "admin", Function: "MintTokens"},
		model.CommandBurn:             {Identity: "admin", Function: "BurnTokens"},
		model.CommandSetAccountStatus: {Identity: "identity", Function: "SetAccountStatus"},
		model.CommandRegisterIdentity: {Identity: "identity", Function: "RegisterIdentity"},
	}
}

// NewRouter copies routes. Entries without identity or function are rejected.
func NewRouter(routes map[model.CommandType]Route) (*Router, error) {
	r := &Router{routes: make(map[model.CommandType]Route, len(routes))}
	for t, route := range routes {
		if route.Identity == "" || route.Function == "" {
			return nil, fmt.Errorf("identity: route for %s is incomplete", t)
		}
		r.routes[t] = route
	}
	return r, nil
}

// Resolve returns the route of t.
func (r *Router) Resolve(t model.CommandType) (Route, error) {
	route, ok := r.routes[t]
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnroutable, t)
	}
	return route, nil
}

// Identities returns every routed identity, sorted and deduplicated.
func (r *Router) Identities() []string {
	set := make(map[string]struct{})
	for _, route := range r.routes {
		set[route.Identity] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every routed identity has a connection.
func (r *Router) Validate(has func(identity string) bool) error {
	var missing []string
	for _, id := range r.Identities() {
		if !has(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("identity: routed identities without connection: %v", missing)
	}
	return nil
}
