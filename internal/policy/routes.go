package policy

import (
	"path"
	"strings"

	"careportal/internal/domain"
)

// RouteClass partitions the URL space
type RouteClass int

const (
	// Public routes are reachable by anyone
	Public RouteClass = iota
	// AuthOnly routes are for signed-out visitors; signed-in users are sent to their dashboard
	AuthOnly
	// RoleScoped routes live under /{role}/{id} and require a matching identity
	RoleScoped
)

func (c RouteClass) String() string {
	switch c {
	case Public:
		return "public"
	case AuthOnly:
		return "auth_only"
	case RoleScoped:
		return "role_scoped"
	}
	return "unknown"
}

// AllowsAnonymous reports whether a signed-out caller may stay on the route
func (c RouteClass) AllowsAnonymous() bool {
	return c == Public || c == AuthOnly
}

const (
	SignInPath         = "/signin"
	SignUpPath         = "/signup"
	ForgotPasswordPath = "/forgot-password"
	ResetPasswordPath  = "/reset-password"

	// SelfSegment aliases the caller's own /{role}/{id}
	SelfSegment = "me"
	// RedirectParam carries the originally requested path through sign-in
	RedirectParam = "redirectTo"
)

var authOnlyPaths = []string{"/", SignInPath, SignUpPath}

var publicPaths = []string{
	ForgotPasswordPath,
	ResetPasswordPath,
	"/about",
	"/contact",
	"/doctors",
	"/pricing",
	"/privacy",
	"/terms",
}

// AuthOnlyPaths returns the route prefixes that redirect signed-in users away
func AuthOnlyPaths() []string {
	return append([]string(nil), authOnlyPaths...)
}

// PublicPaths returns the route prefixes open to everyone
func PublicPaths() []string {
	return append([]string(nil), publicPaths...)
}

// Route is the classification of a single path
type Route struct {
	Path  string
	Class RouteClass
	// Role and ID are the /{role}/{id} segments of a RoleScoped path. Role is
	// empty when the first segment names no role.
	Role domain.Role
	ID   string
	// Rest is whatever follows /{role}/{id}, with its leading slash
	Rest string
	// Self marks the /me alias
	Self bool
}

// Normalize strips query and fragment and cleans the path
func Normalize(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

// RouteOf classifies p from the path string alone
func RouteOf(p string) Route {
	p = Normalize(p)

	if p == "/" {
		return Route{Path: p, Class: AuthOnly}
	}
	for _, prefix := range authOnlyPaths[1:] {
		if underPrefix(p, prefix) {
			return Route{Path: p, Class: AuthOnly}
		}
	}
	for _, prefix := range publicPaths {
		if underPrefix(p, prefix) {
			return Route{Path: p, Class: Public}
		}
	}

	segments := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 3)

	if segments[0] == SelfSegment {
		rest := ""
		if len(segments) > 1 {
			rest = "/" + strings.Join(segments[1:], "/")
		}
		return Route{Path: p, Class: RoleScoped, Rest: rest, Self: true}
	}

	route := Route{Path: p, Class: RoleScoped}
	if role, ok := domain.ParseRole(segments[0]); ok && string(role) == segments[0] {
		route.Role = role
	} else {
		return route
	}
	if len(segments) > 1 {
		route.ID = segments[1]
	}
	if len(segments) > 2 {
		route.Rest = "/" + segments[2]
	}
	return route
}

// underPrefix matches whole segments, so /signinx is not under /signin
func underPrefix(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
