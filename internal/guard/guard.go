// Package guard is the client-side route guard. It evaluates the same
// redirect policy as the server gate against the client's session cache and
// follows auth state changes as they arrive.
package guard

import (
	"context"
	"sync"

	"careportal/internal/domain"
	"careportal/internal/metrics"
	"careportal/internal/policy"
	"careportal/internal/service"
	"careportal/internal/service/resolver"
	"careportal/internal/sessioncache"
	"careportal/pkg/logger"
)

// Navigator performs client-side navigation
type Navigator interface {
	Replace(path string)
}

// NavigatorFunc adapts a function to Navigator
type NavigatorFunc func(path string)

func (f NavigatorFunc) Replace(path string) { f(path) }

// View is what the guard renders for the current path
type View int

const (
	// ViewContent renders the guarded page
	ViewContent View = iota
	// ViewInterstitial is shown while resolving or redirecting
	ViewInterstitial
)

func (v View) String() string {
	if v == ViewContent {
		return "content"
	}
	return "interstitial"
}

// Outcome is one guard evaluation
type Outcome struct {
	Path     string
	User     *domain.AuthenticatedUser
	Decision policy.Decision
	View     View
}

// Guard is the Client Route Guard for one client (a browser tab or CLI run)
type Guard struct {
	provider service.IdentityProvider
	resolver *resolver.Resolver
	cache    *sessioncache.Cache
	nav      Navigator
	logger   *logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	path    string
	current Outcome
	lastSeq uint64
	stopped bool
	sub     service.Subscription
}

// New creates a guard. Call Start before navigating.
func New(provider service.IdentityProvider, res *resolver.Resolver, cache *sessioncache.Cache, nav Navigator, log *logger.Logger) *Guard {
	return &Guard{
		provider: provider,
		resolver: res,
		cache:    cache,
		nav:      nav,
		logger:   log.Named("guard"),
		current:  Outcome{View: ViewInterstitial},
	}
}

// Start subscribes to auth events and evaluates path
func (g *Guard) Start(ctx context.Context, path string) Outcome {
	g.mu.Lock()
	g.ctx = context.WithoutCancel(ctx)
	g.sub = g.provider.OnAuthStateChange(g.handleEvent)
	g.mu.Unlock()

	return g.Navigate(ctx, path)
}

// Stop unsubscribes. Resolutions still in flight are not written to the cache.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopped = true
	if g.sub != nil {
		g.sub.Unsubscribe()
		g.sub = nil
	}
}

// Current returns the latest outcome
func (g *Guard) Current() Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Navigate evaluates path using the cached user, resolving when the cache
// has nothing fresh
func (g *Guard) Navigate(ctx context.Context, path string) Outcome {
	g.mu.Lock()
	g.path = path
	g.current = Outcome{Path: path, View: ViewInterstitial}
	g.mu.Unlock()

	if entry := g.cache.Read(ctx); entry != nil {
		return g.evaluate(path, entry.User)
	}
	user, current := g.resolveAndCommit(ctx)
	if !current {
		return g.settle(ctx, path)
	}
	return g.evaluate(path, user)
}

// Refresh re-resolves the user regardless of cache freshness
func (g *Guard) Refresh(ctx context.Context) Outcome {
	user, current := g.resolveAndCommit(ctx)

	g.mu.Lock()
	path := g.path
	g.mu.Unlock()

	if !current {
		return g.settle(ctx, path)
	}
	return g.evaluate(path, user)
}

// settle evaluates path after this guard's resolution lost to a later write
// or clear. The winner may have evaluated an older path, so path is decided
// here from what the winner left in the cache; an empty cache means signed
// out.
func (g *Guard) settle(ctx context.Context, path string) Outcome {
	g.mu.Lock()
	superseded := g.stopped || g.path != path
	g.mu.Unlock()
	if superseded {
		return g.Current()
	}

	var user *domain.AuthenticatedUser
	if entry := g.cache.Read(ctx); entry != nil {
		user = entry.User
	}
	return g.evaluate(path, user)
}

// resolveAndCommit takes a ticket before resolving so that a sign-out
// handled meanwhile wins over this result. It reports false when the
// result was superseded or the guard stopped.
func (g *Guard) resolveAndCommit(ctx context.Context) (*domain.AuthenticatedUser, bool) {
	ticket, err := g.cache.Begin(ctx)
	if err != nil {
		g.logger.WithError(err).Warn("Session cache unavailable")
		return g.resolver.Resolve(ctx, g.provider, g.provider), true
	}

	user, err := g.resolver.TryResolve(ctx, g.provider, g.provider)
	if err != nil {
		// Anonymous for this decision only
		g.logger.WithError(err).Warn("Identity lookup failed")
		return nil, true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		g.logger.Debug("Guard stopped, dropping resolution")
		return user, false
	}
	applied, err := g.cache.Commit(ctx, ticket, user)
	if err != nil {
		g.logger.WithError(err).Warn("Failed to write session cache")
		return user, true
	}
	return user, applied
}

// evaluate classifies path for user and navigates on redirect
func (g *Guard) evaluate(path string, user *domain.AuthenticatedUser) Outcome {
	decision := policy.Classify(path, user)
	out := Outcome{Path: path, User: user, Decision: decision, View: ViewContent}
	if !decision.Allowed() {
		out.View = ViewInterstitial
	}
	metrics.GuardDecisions.WithLabelValues(decision.Action.String(), string(decision.Reason)).Inc()

	g.mu.Lock()
	if g.stopped || g.path != path {
		// Superseded by a later navigation
		g.mu.Unlock()
		return out
	}
	g.current = out
	if !decision.Allowed() {
		g.path = decision.To
	}
	g.mu.Unlock()

	if !decision.Allowed() {
		g.logger.WithFields(map[string]interface{}{
			"from":   path,
			"to":     decision.To,
			"reason": string(decision.Reason),
		}).Debug("Guard redirect")
		g.nav.Replace(decision.To)
	}
	return out
}

// handleEvent runs on the subscription goroutine, one event at a time in
// sequence order
func (g *Guard) handleEvent(ev domain.AuthEvent) {
	g.mu.Lock()
	if g.stopped || ev.Seq <= g.lastSeq {
		g.mu.Unlock()
		return
	}
	g.lastSeq = ev.Seq
	ctx := g.ctx
	path := g.path
	g.mu.Unlock()

	log := g.logger.WithFields(map[string]interface{}{"event": string(ev.Type), "seq": ev.Seq})

	var user *domain.AuthenticatedUser
	switch ev.Type {
	case domain.EventSignedOut:
		if err := g.cache.Clear(ctx); err != nil {
			log.WithError(err).Warn("Failed to clear session cache")
		}
	default:
		var current bool
		if user, current = g.resolveAndCommit(ctx); !current {
			return
		}
	}

	log.Debug("Auth state changed")
	g.evaluate(path, user)
}
