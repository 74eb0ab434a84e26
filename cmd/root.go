// Package cmd defines the campd command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/app"
	"github.com/JakeFAU/camp-discovery-daemon/internal/config"
	"github.com/JakeFAU/camp-discovery-daemon/internal/daemon"
	"github.com/JakeFAU/camp-discovery-daemon/internal/logging"
	"github.com/JakeFAU/camp-discovery-daemon/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Daemon is the long-running process started by the root command.
type Daemon interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context, mode daemon.Mode) error
	Close()
}

// factories build the services a command needs. Tests replace them.
type factories struct {
	newApp    func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error)
	newDaemon func(ctx context.Context, a *app.App) (Daemon, error)
}

func defaultFactories() factories {
	return factories{
		newApp: app.New,
		newDaemon: func(ctx context.Context, a *app.App) (Daemon, error) {
			return server.Build(ctx, a)
		},
	}
}

type rootOptions struct {
	cfgFile   string
	workers   int
	city      string
	verbose   bool
	directory bool
	contact   bool
	discovery bool
}

// session owns what PersistentPreRunE opened so it can be released after the
// command returns, whether or not it failed.
type session struct {
	app      *app.App
	closeLog func()
}

func (s *session) close() {
	if s.app != nil {
		s.app.Close()
	}
	if s.closeLog != nil {
		s.closeLog()
	}
}

// newRootCmd creates the root command. Its own RunE starts the daemon, or a
// single drain pass when a one-shot mode flag is set.
func newRootCmd(f factories, sess *session) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "campd",
		Short: "Camp discovery scraper daemon.",
		Long: `campd discovers camp-provider organizations on the web and works the
directory, contact, discovery and scraper-build queues. Blocked sites are
retried through a browser session, and scraper builds that stop reporting
are reset automatically.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Loads configuration, applies flag overrides and stores the App in the
		// context for subcommands to use.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, cleanup, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Verbose:     cfg.Logging.Verbose,
				FilePath:    cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			sess.closeLog = cleanup
			zap.ReplaceGlobals(logger)

			appInstance, err := f.newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			sess.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := opts.mode()
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			d, err := f.newDaemon(cmd.Context(), appInstance)
			if err != nil {
				return fmt.Errorf("build daemon: %w", err)
			}
			defer d.Close()
			if mode != "" {
				return d.RunOnce(cmd.Context(), mode)
			}
			return d.Run(cmd.Context())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default searches ./campd.yaml, /etc/campd, $HOME/.campd)")
	flags.IntVarP(&opts.workers, "workers", "w", 1, "number of concurrent scraper-build slots (1-10)")
	flags.StringVar(&opts.city, "city", "", "only build scrapers for this city slug")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.Flags().BoolVar(&opts.directory, "directory", false, "run one directory drain pass and exit")
	cmd.Flags().BoolVar(&opts.contact, "contact", false, "run one contact drain pass and exit")
	cmd.Flags().BoolVar(&opts.discovery, "discovery", false, "run one discovery drain pass and exit")

	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Daemon.Workers = opts.workers
	}
	if flags.Changed("city") {
		cfg.Daemon.City = opts.city
	}
	if flags.Changed("verbose") {
		cfg.Logging.Verbose = opts.verbose
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) mode() (daemon.Mode, error) {
	var modes []daemon.Mode
	if o.directory {
		modes = append(modes, daemon.ModeDirectory)
	}
	if o.contact {
		modes = append(modes, daemon.ModeContact)
	}
	if o.discovery {
		modes = append(modes, daemon.ModeDiscovery)
	}
	switch len(modes) {
	case 0:
		return "", nil
	case 1:
		return modes[0], nil
	default:
		return "", errors.New("--directory, --contact and --discovery are mutually exclusive")
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func run(ctx context.Context, f factories, args []string, out io.Writer) error {
	sess := &session{}
	defer sess.close()
	root := newRootCmd(f, sess)
	root.SetArgs(args)
	root.SetOut(out)
	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("campd: %w", err)
	}
	return nil
}

// Execute runs the command tree and exits 1 on error.
func Execute() {
	if err := run(context.Background(), defaultFactories(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
