package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"careportal/internal/config"
	"careportal/internal/service"
	"careportal/internal/service/auth"
	"careportal/internal/service/resolver"
	"careportal/internal/sessioncache"
	"careportal/pkg/logger"
)

const (
	sessionFile = "session.json"
	cacheFile   = "authcache.json"
)

// app is the state shared by every subcommand, built once flags are parsed
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	provider *auth.Service
	resolver *resolver.Resolver
	cache    *sessioncache.Cache
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(config.Load).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	a := &app{}
	var (
		stateDir  string
		portalURL string
		verbose   bool
	)

	rootCmd := &cobra.Command{
		Use:   "portalctl",
		Short: "Command-line client for the care portal",
		Long: `portalctl signs in to the care portal's identity provider and walks
portal routes the way the web client does.

Sessions persist in the state directory between runs, together with the
short-lived cache of the resolved user that route checks read from.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if stateDir != "" {
				cfg.StateDir = stateDir
			}
			if portalURL != "" {
				cfg.PortalURL = portalURL
			}
			if cfg.SupabaseURL == "" || cfg.SupabaseAnonKey == "" {
				return fmt.Errorf("SUPABASE_URL and SUPABASE_ANON_KEY must be set")
			}

			level := "warn"
			if verbose {
				level = "debug"
			}
			a.init(cfg, logger.NewStderr(level))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "directory holding the session and user cache (default from PORTALCTL_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&portalURL, "portal-url", "", "portal base URL used by check (default from PORTAL_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log provider calls and guard decisions to stderr")

	rootCmd.AddCommand(
		signInCmd(a),
		signUpCmd(a),
		signOutCmd(a),
		whoamiCmd(a),
		forgotPasswordCmd(a),
		resetPasswordCmd(a),
		openCmd(a),
		checkCmd(a),
	)
	return rootCmd
}

func (a *app) init(cfg *config.Config, log *logger.Logger) {
	client := service.NewSupabaseClient(cfg, log)

	a.cfg = cfg
	a.log = log
	a.provider = auth.NewService(cfg, client, auth.NewFileStorage(filepath.Join(cfg.StateDir, sessionFile)), log)
	a.resolver = resolver.New(log, resolver.WithProfileTimeout(cfg.ProviderTimeout))
	a.cache = sessioncache.New(sessioncache.NewFileStore(filepath.Join(cfg.StateDir, cacheFile)), log)
}
