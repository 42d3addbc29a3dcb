// Package policy decides whether a caller may stay on a path. It is pure:
// the same (path, user) always yields the same Decision, so the request gate
// and the client guard cannot disagree.
package policy

import (
	"net/url"
	"strings"

	"careportal/internal/domain"
)

// Action is the outcome kind of a classification
type Action int

const (
	Allow Action = iota
	Redirect
)

func (a Action) String() string {
	if a == Redirect {
		return "redirect"
	}
	return "allow"
}

// Reason explains a redirect
type Reason string

const (
	ReasonNone                    Reason = ""
	ReasonAnonymous               Reason = "anonymous"
	ReasonAuthenticatedOnAuthPage Reason = "authenticated_on_auth_route"
	ReasonRoleMismatch            Reason = "role_mismatch"
	ReasonIDMismatch              Reason = "id_mismatch"
	ReasonSelfAlias               Reason = "self_alias"
)

// Decision is the result of Classify
type Decision struct {
	Action Action
	To     string
	Reason Reason
}

// Allowed reports whether the caller may stay
func (d Decision) Allowed() bool {
	return d.Action == Allow
}

func allow() Decision {
	return Decision{Action: Allow}
}

func redirect(to string, reason Reason) Decision {
	return Decision{Action: Redirect, To: to, Reason: reason}
}

// Classify applies, in order: anonymous callers go to sign-in unless the
// route allows them; signed-in callers leave auth-only routes for their
// dashboard; role-scoped routes must match both role and id. A redirect
// target always classifies as Allow for the same user.
func Classify(p string, user *domain.AuthenticatedUser) Decision {
	route := RouteOf(p)

	if user == nil {
		if route.Class.AllowsAnonymous() {
			return allow()
		}
		return redirect(SignInWithRedirect(route.Path), ReasonAnonymous)
	}

	switch route.Class {
	case AuthOnly:
		return redirect(DashboardPath(user), ReasonAuthenticatedOnAuthPage)
	case RoleScoped:
		if route.Self {
			return redirect(DashboardPath(user)+route.Rest, ReasonSelfAlias)
		}
		if route.Role != roleOf(user) {
			return redirect(DashboardPath(user), ReasonRoleMismatch)
		}
		if route.ID != user.ID {
			return redirect(DashboardPath(user), ReasonIDMismatch)
		}
	}

	return allow()
}

// DashboardPath is the canonical home of user: /{role}/{id}
func DashboardPath(user *domain.AuthenticatedUser) string {
	return "/" + string(roleOf(user)) + "/" + user.ID
}

// SignInWithRedirect builds /signin?redirectTo=<target>
func SignInWithRedirect(target string) string {
	return SignInPath + "?" + url.Values{RedirectParam: {target}}.Encode()
}

// PostSignInDestination picks where a freshly signed-in user lands. A
// redirectTo that is not a local path, or that the user may not visit, is
// replaced by the user's dashboard.
func PostSignInDestination(redirectTo string, user *domain.AuthenticatedUser) string {
	if !isLocalPath(redirectTo) {
		return DashboardPath(user)
	}

	d := Classify(redirectTo, user)
	switch {
	case d.Allowed():
		return redirectTo
	case d.Reason == ReasonSelfAlias:
		return d.To
	default:
		return DashboardPath(user)
	}
}

func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, `\`) {
		return false
	}
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}

// roleOf never yields an invalid role, which would produce an unroutable
// dashboard and a redirect loop
func roleOf(user *domain.AuthenticatedUser) domain.Role {
	if user.Role.Valid() {
		return user.Role
	}
	return domain.DefaultRole
}
