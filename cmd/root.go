// Package cmd defines the gateway CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/keypick-gateway/internal/config"
	"github.com/JakeFAU/keypick-gateway/internal/server"
)

// App is what the subcommands run. Serve and Consume release resources
// before returning. It is an interface so tests can inject a fake.
type App interface {
	Serve(ctx context.Context) error
	Consume(ctx context.Context) error
}

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "keypick-gateway",
		Short: "Edge API gateway for the keypick crawl backend.",
		Long: `keypick-gateway authenticates API callers, serves cached backend
responses, and turns crawl requests into queued tasks that clients poll
for results.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); GATEWAY_* env vars override it")
	cmd.AddCommand(newServeCmd(), newConsumeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
