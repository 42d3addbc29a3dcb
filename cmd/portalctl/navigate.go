package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"careportal/internal/guard"
	"careportal/internal/policy"
	"careportal/internal/service/auth"
)

// maxHops bounds redirect chains; policy targets always admit the caller, so
// more than one hop means the policy is broken
const maxHops = 3

func openCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open <path>",
		Short: "Navigate to a portal path the way the web client does",
		Long: `Evaluate path with the client route guard against the cached user and
follow any redirect until a page renders.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			outcome, err := a.walk(cmd.Context(), args[0], out)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s: %s\n", outcome.Path, outcome.View)
			if outcome.User != nil {
				fmt.Fprintf(out, "as %s\n", describeUser(outcome.User))
			}
			return nil
		},
	}
}

// walk runs the guard from path, printing each redirect to w, and returns
// the outcome that finally rendered
func (a *app) walk(ctx context.Context, path string, w io.Writer) (guard.Outcome, error) {
	nav := guard.NavigatorFunc(func(to string) {
		a.log.WithField("to", to).Debug("Navigating")
	})
	g := guard.New(a.provider, a.resolver, a.cache, nav, a.log)
	defer g.Stop()

	outcome := g.Start(ctx, path)
	for hops := 0; !outcome.Decision.Allowed(); hops++ {
		if hops == maxHops {
			return outcome, fmt.Errorf("redirect loop starting at %s", path)
		}
		if w != nil {
			fmt.Fprintf(w, "%s -> %s (%s)\n", outcome.Path, outcome.Decision.To, outcome.Decision.Reason)
		}
		outcome = g.Navigate(ctx, outcome.Decision.To)
	}
	return outcome, nil
}

func checkCmd(a *app) *cobra.Command {
	var fresh bool

	cmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Compare the client guard with the portal's request gate",
		Long: `Decide path with the client route guard, then request it from the portal
with the stored session cookies and report whether the server gate reached
the same decision. Exits non-zero when they disagree.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			if fresh {
				if err := a.cache.Clear(ctx); err != nil {
					return fmt.Errorf("clear user cache: %w", err)
				}
			}

			g := guard.New(a.provider, a.resolver, a.cache, guard.NavigatorFunc(func(string) {}), a.log)
			client := g.Start(ctx, path).Decision
			g.Stop()

			sess, err := a.provider.GetSession(ctx)
			if err != nil {
				return fmt.Errorf("load session: %w", err)
			}
			var cookies []*http.Cookie
			if sess != nil {
				if cookies, err = auth.SessionCookies(a.cfg.SessionCookieName, sess); err != nil {
					return fmt.Errorf("encode session cookie: %w", err)
				}
			}

			server, status, err := probeGate(ctx, a.httpClient(), a.cfg.PortalURL, path, cookies)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client: %s\n", formatDecision(client))
			fmt.Fprintf(out, "server: %s (HTTP %d)\n", formatDecision(server), status)
			if !sameDecision(client, server) {
				return fmt.Errorf("client guard and server gate disagree on %s", path)
			}
			fmt.Fprintln(out, "agree")
			return nil
		},
	}

	cmd.Flags().BoolVar(&fresh, "fresh", false, "ignore the cached user on the client side")
	return cmd
}

func (a *app) httpClient() *http.Client {
	return &http.Client{
		Timeout: 2 * a.cfg.ProviderTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// probeGate requests path from the portal without following redirects. Any
// redirect is the gate's; everything else means the gate let it through.
func probeGate(ctx context.Context, client *http.Client, portalURL, path string, cookies []*http.Cookie) (policy.Decision, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, portalURL+path, nil)
	if err != nil {
		return policy.Decision{}, 0, fmt.Errorf("build request: %w", err)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := client.Do(req)
	if err != nil {
		return policy.Decision{}, 0, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	location := resp.Header.Get("Location")
	if resp.StatusCode < 300 || resp.StatusCode >= 400 || location == "" {
		return policy.Decision{Action: policy.Allow}, resp.StatusCode, nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return policy.Decision{}, resp.StatusCode, fmt.Errorf("bad Location %q: %w", location, err)
	}
	return policy.Decision{Action: policy.Redirect, To: u.RequestURI()}, resp.StatusCode, nil
}

func sameDecision(client, server policy.Decision) bool {
	if client.Allowed() != server.Allowed() {
		return false
	}
	return client.Allowed() || client.To == server.To
}

func formatDecision(d policy.Decision) string {
	if d.Allowed() {
		return "allow"
	}
	if d.Reason != policy.ReasonNone {
		return fmt.Sprintf("redirect to %s (%s)", d.To, d.Reason)
	}
	return "redirect to " + d.To
}
