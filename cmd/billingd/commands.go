package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/splitkit/pkg/jwt"
	"github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured storage driver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := c.load()
			if err != nil {
				return err
			}
			st, err := openStorage(cmd.Context(), cfg.App, true, log, c.configOptions()...)
			if err != nil {
				return err
			}
			st.close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.App.StorageDriver)
			return nil
		},
	}
}

func newPlansCmd(c *cli) *cobra.Command {
	var (
		file   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Validate and print the plan catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				cfg, err := loadConfig(c.configOptions()...)
				if err != nil {
					return err
				}
				file = cfg.App.PlansFile
			}
			catalog, err := plans.Load(file)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "yaml":
				enc := yaml.NewEncoder(out)
				if err := enc.Encode(map[string][]plans.Plan{"plans": catalog.Plans()}); err != nil {
					return err
				}
				return enc.Close()
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(catalog.Plans())
			default:
				return fmt.Errorf("unknown output format %q", format)
			}
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plans file (defaults to PLANS_FILE, then the built-in catalog)")
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "output format: yaml or json")
	return cmd
}

func newTokenCmd(c *cli) *cobra.Command {
	var (
		user  string
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing of the billing API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.configOptions()...)
			if err != nil {
				return err
			}
			if cfg.App.JWTSecret == "" {
				return errMissingJWTSecret
			}
			userID, err := uuid.Parse(user)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}

			tokens, err := jwt.NewFromString(cfg.App.JWTSecret, jwt.WithIssuer(cfg.App.JWTIssuer))
			if err != nil {
				return err
			}
			token, err := tokens.Issue(userID, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (uuid)")
	cmd.Flags().StringVar(&email, "email", "", "user email, required for paid checkouts")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// newEmitCmd signs an event of the self-hosted provider and posts it to a
// webhook endpoint. Operators use it to replay archived events and to drive a
// local deployment end to end.
func newEmitCmd(c *cli) *cobra.Command {
	var (
		target string
		file   string
	)
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Sign and deliver a webhook event of the signed provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.configOptions()...)
			if err != nil {
				return err
			}
			if cfg.Provider.Signed.WebhookSecret == "" {
				return billing.ErrMissingWebhookSecret
			}

			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var ev billing.SignedEvent
			if err := json.NewDecoder(in).Decode(&ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if ev.ID == "" {
				return errors.New("event id is required")
			}
			if ev.Created.IsZero() {
				ev.Created = time.Now().UTC()
			}

			payload, sig, err := billing.SignEvent(cfg.Provider.Signed.WebhookSecret, ev, time.Now())
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, target, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(billing.SignedSignatureHeader, sig)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("deliver event: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.Status, bytes.TrimSpace(body))
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("webhook endpoint answered %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "url", "http://localhost:8080/billing/webhook", "webhook endpoint")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "event JSON file, - for stdin")
	return cmd
}
