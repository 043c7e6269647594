// Command billingd serves the billing HTTP API and runs billing maintenance tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/splitkit/pkg/config"
	"github.com/dmitrymomot/splitkit/pkg/logger"
	"github.com/dmitrymomot/splitkit/pkg/requestid"
)

// Set at build time with -ldflags.
var Version = "dev"

var (
	errUnknownStorageDriver = errors.New("unknown storage driver")
	errMissingJWTSecret     = errors.New("AUTH_JWT_SECRET is required to serve the billing API")
)

// cli carries what every command shares: extra config options (a dotenv file,
// or a fixed environment in tests) and the output stream.
type cli struct {
	envFiles []string
	opts     []config.Option
	out      io.Writer
}

func (c *cli) configOptions() []config.Option {
	opts := append([]config.Option{}, c.opts...)
	if len(c.envFiles) > 0 {
		opts = append(opts, config.WithDotenv(c.envFiles...))
	}
	return opts
}

func (c *cli) load() (Config, *slog.Logger, error) {
	cfg, err := loadConfig(c.configOptions()...)
	if err != nil {
		return Config{}, nil, err
	}
	log := logger.New(
		logger.FromConfig(cfg.App.Name, cfg.Log),
		logger.WithContextExtractors(requestid.LoggerExtractor),
	)
	return cfg, log, nil
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingd",
		Short:         "Subscription billing service",
		Long:          "billingd sells plans through a payment provider and reconciles local subscriptions from provider webhooks.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", nil, "dotenv files to load before reading the environment")

	root.AddCommand(
		newServeCmd(c),
		newMigrateCmd(c),
		newPlansCmd(c),
		newTokenCmd(c),
		newEmitCmd(c),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&cli{out: os.Stdout}).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
