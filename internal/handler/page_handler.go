package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"careportal/internal/container"
	"careportal/internal/domain"
	"careportal/internal/middleware"
	"careportal/internal/policy"
	"careportal/pkg/errors"
)

// NavItem is one entry of a dashboard's navigation
type NavItem struct {
	Title string `json:"title"`
	Href  string `json:"href"`
}

// PageDescriptor tells the frontend what to render for a path
type PageDescriptor struct {
	Path       string                    `json:"path"`
	Kind       string                    `json:"kind"`
	Title      string                    `json:"title"`
	Greeting   string                    `json:"greeting,omitempty"`
	RedirectTo string                    `json:"redirectTo,omitempty"`
	User       *domain.AuthenticatedUser `json:"user,omitempty"`
	Navigation []NavItem                 `json:"navigation,omitempty"`
}

// PageResponse wraps a page descriptor
type PageResponse struct {
	Success bool           `json:"success"`
	Page    PageDescriptor `json:"page"`
}

const (
	PageKindLanding   = "landing"
	PageKindPublic    = "public"
	PageKindAuth      = "auth"
	PageKindDashboard = "dashboard"
	PageKindSection   = "section"
)

type section struct {
	slug  string
	title string
}

var roleSections = map[domain.Role][]section{
	domain.RolePatient: {
		{"appointments", "Appointments"},
		{"doctors", "Find Doctors"},
		{"messages", "Messages"},
		{"medical-history", "Medical Records"},
		{"profile", "Profile"},
	},
	domain.RoleDoctor: {
		{"appointments", "Appointments"},
		{"schedule", "Schedule"},
		{"patients", "Patients"},
		{"messages", "Messages"},
		{"reviews", "Reviews"},
		{"profile", "Profile"},
	},
	domain.RoleAdmin: {
		{"analytics", "Analytics"},
		{"users", "Users"},
		{"verify-doctors", "Verify Doctors"},
		{"support", "Support"},
		{"settings", "Settings"},
	},
}

var pageTitles = map[string]string{
	"/":                       "CarePortal",
	policy.SignInPath:         "Sign in",
	policy.SignUpPath:         "Create an account",
	policy.ForgotPasswordPath: "Forgot password",
	policy.ResetPasswordPath:  "Reset password",
	"/about":                  "About",
	"/contact":                "Contact",
	"/doctors":                "Our doctors",
	"/pricing":                "Pricing",
	"/privacy":                "Privacy policy",
	"/terms":                  "Terms of service",
}

// PageHandler serves page descriptors for everything the gate lets through
type PageHandler struct {
	container *container.Container
}

// NewPageHandler creates a new page handler
func NewPageHandler(container *container.Container) *PageHandler {
	return &PageHandler{
		container: container,
	}
}

// Static serves the landing, public, and auth pages
func (h *PageHandler) Static(w http.ResponseWriter, r *http.Request) {
	path := policy.Normalize(r.URL.Path)
	title, ok := pageTitles[path]
	if !ok {
		h.NotFound(w, r)
		return
	}

	page := PageDescriptor{
		Path:  path,
		Title: title,
		Kind:  PageKindPublic,
		User:  middleware.UserFromContext(r.Context()),
	}
	if policy.RouteOf(path).Class == policy.AuthOnly {
		page.Kind = PageKindAuth
		if path == "/" {
			page.Kind = PageKindLanding
		}
	}
	if path == policy.SignInPath {
		page.RedirectTo = r.URL.Query().Get(policy.RedirectParam)
	}

	writeJSON(w, http.StatusOK, PageResponse{Success: true, Page: page}, h.container)
}

// Dashboard serves /{role}/{id}
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	user, role, ok := h.owner(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, PageResponse{Success: true, Page: PageDescriptor{
		Path:       policy.DashboardPath(user),
		Kind:       PageKindDashboard,
		Title:      "Dashboard",
		Greeting:   greeting(user),
		User:       user,
		Navigation: navigation(role, user.ID),
	}}, h.container)
}

// Section serves /{role}/{id}/{section}
func (h *PageHandler) Section(w http.ResponseWriter, r *http.Request) {
	user, role, ok := h.owner(w, r)
	if !ok {
		return
	}

	slug := chi.URLParam(r, "section")
	for _, s := range roleSections[role] {
		if s.slug != slug {
			continue
		}
		writeJSON(w, http.StatusOK, PageResponse{Success: true, Page: PageDescriptor{
			Path:       policy.DashboardPath(user) + "/" + s.slug,
			Kind:       PageKindSection,
			Title:      s.title,
			User:       user,
			Navigation: navigation(role, user.ID),
		}}, h.container)
		return
	}

	h.NotFound(w, r)
}

// NotFound handles unknown paths
func (h *PageHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeErrorResponse(w, r, errors.NewNotFoundError("Page not found"), h.container)
}

// owner returns the signed-in user when the path's /{role}/{id} are theirs.
// The gate has already redirected every other caller; this only guards
// against a route mounted without it.
func (h *PageHandler) owner(w http.ResponseWriter, r *http.Request) (*domain.AuthenticatedUser, domain.Role, bool) {
	role := domain.Role(chi.URLParam(r, "role"))
	if !role.Valid() {
		h.NotFound(w, r)
		return nil, "", false
	}

	user := middleware.UserFromContext(r.Context())
	if user == nil {
		writeErrorResponse(w, r, errors.NewAuthenticationError("User not authenticated"), h.container)
		return nil, "", false
	}
	if role != user.Role || chi.URLParam(r, "id") != user.ID {
		writeErrorResponse(w, r, errors.NewAuthorizationError("This page belongs to another user"), h.container)
		return nil, "", false
	}
	return user, role, true
}

func navigation(role domain.Role, id string) []NavItem {
	base := "/" + string(role) + "/" + id
	items := make([]NavItem, 0, len(roleSections[role]))
	for _, s := range roleSections[role] {
		items = append(items, NavItem{Title: s.title, Href: base + "/" + s.slug})
	}
	return items
}

func greeting(user *domain.AuthenticatedUser) string {
	if user.Role == domain.RoleDoctor && user.LastName != "" {
		return "Welcome, Dr. " + user.LastName + "!"
	}
	if user.FirstName == "" {
		return "Welcome back!"
	}
	return "Welcome back, " + user.FirstName + "!"
}
