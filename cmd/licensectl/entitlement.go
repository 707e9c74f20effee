package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"licensegate/internal/config"
	"licensegate/internal/entitlement"
	"licensegate/internal/license"
)

var errNotEntitled = errors.New("not entitled")

type cacheOptions struct {
	cachePath string
	offline   bool
}

func (o *cacheOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.cachePath, "cache", "", "entitlement file (default from config)")
	fs.BoolVar(&o.offline, "offline", false, "never contact the issuer")
}

func newRechecker(cfg *config.Config, product string) *entitlement.HTTPRechecker {
	return entitlement.NewHTTPRechecker(issuerURL(), product, &http.Client{
		Timeout: cfg.Client.RecheckTimeout,
	})
}

// openCache builds the entitlement cache from config and loads the
// persisted record.
func openCache(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *cacheOptions) (*entitlement.Cache, entitlement.Status, error) {
	cfg, err := root.loadConfig()
	if err != nil {
		return nil, entitlement.Status{}, err
	}
	if opts.cachePath != "" {
		cfg.Client.CachePath = opts.cachePath
	}

	logger, err := root.logger(cmd, cfg)
	if err != nil {
		return nil, entitlement.Status{}, err
	}
	key, err := root.embeddedKey()
	if err != nil {
		return nil, entitlement.Status{}, err
	}
	product := productID()
	policy, err := gracePolicy()
	if err != nil {
		return nil, entitlement.Status{}, err
	}

	store, err := entitlement.NewFileStore(cfg.Client.CachePath, key, product, logger)
	if err != nil {
		return nil, entitlement.Status{}, err
	}

	cacheOpts := []entitlement.CacheOption{
		entitlement.WithPolicy(policy),
		entitlement.WithRecheckTimeout(cfg.Client.RecheckTimeout),
		entitlement.WithCacheLogger(logger),
	}
	if !opts.offline {
		cacheOpts = append(cacheOpts, entitlement.WithRechecker(newRechecker(cfg, product)))
	}

	cache := entitlement.NewCache(license.NewVerifier(key), product, store, cacheOpts...)
	status, err := cache.Load(ctx)
	if err != nil {
		return nil, entitlement.Status{}, err
	}
	return cache, status, nil
}

func newActivateCommand(root *rootOptions) *cobra.Command {
	opts := &cacheOptions{}
	cmd := &cobra.Command{
		Use:   "activate <token>",
		Short: "Verify a license and store it as the local entitlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cache, _, err := openCache(ctx, cmd, root, opts)
			if err != nil {
				return err
			}

			status, err := cache.Activate(ctx, license.Token(strings.TrimSpace(args[0])))
			if perr := printStatus(cmd.OutOrStdout(), root, status); perr != nil {
				return perr
			}
			return err
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	opts := &cacheOptions{}
	var check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local entitlement without contacting the issuer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.offline = true
			_, status, err := openCache(context.Background(), cmd, root, opts)
			if err != nil {
				return err
			}
			if err := printStatus(cmd.OutOrStdout(), root, status); err != nil {
				return err
			}
			if check && !status.State.Entitled() {
				return fmt.Errorf("%w: %s", errNotEntitled, status.State)
			}
			return nil
		},
	}
	opts.addFlags(cmd.Flags())
	cmd.Flags().BoolVar(&check, "check", false, "exit non-zero unless the license is valid or in grace")
	return cmd
}

func newRecheckCommand(root *rootOptions) *cobra.Command {
	opts := &cacheOptions{}
	cmd := &cobra.Command{
		Use:   "recheck",
		Short: "Confirm the stored license with the issuer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			cache, _, err := openCache(ctx, cmd, root, opts)
			if err != nil {
				return err
			}

			status, err := cache.Recheck(ctx)
			if errors.Is(err, entitlement.ErrNoEntitlement) {
				return err
			}
			if perr := printStatus(cmd.OutOrStdout(), root, status); perr != nil {
				return perr
			}
			return err
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func newDeactivateCommand(root *rootOptions) *cobra.Command {
	opts := &cacheOptions{}
	cmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Remove the local entitlement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.offline = true
			ctx := context.Background()
			cache, _, err := openCache(ctx, cmd, root, opts)
			if err != nil {
				return err
			}
			if err := cache.Deactivate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "License deactivated")
			return nil
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func printStatus(w io.Writer, root *rootOptions, s entitlement.Status) error {
	if root.jsonOutput {
		return writeJSON(w, s)
	}

	fmt.Fprintf(w, "State:    %s\n", s.State)
	if s.State == entitlement.StateUnset {
		return nil
	}
	fmt.Fprintf(w, "Outcome:  %s\n", s.Outcome)
	if s.Payload != nil {
		printPayload(w, *s.Payload)
	}
	if !s.LastOnlineCheck.IsZero() {
		fmt.Fprintf(w, "Checked:  %s\n", s.LastOnlineCheck.Format(time.RFC3339))
	}
	if s.State.Entitled() {
		fmt.Fprintf(w, "Grace:    %s remaining\n", s.GraceRemaining.Round(time.Minute))
	}
	if s.Offline {
		fmt.Fprintln(w, "Issuer:   unreachable")
	}
	if s.Reason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", s.Reason)
	}
	return nil
}

func printVerification(w io.Writer, v license.Verification) {
	fmt.Fprintf(w, "Outcome:  %s\n", v.Outcome)
	if v.Payload != nil {
		printPayload(w, *v.Payload)
	}
}

func printPayload(w io.Writer, p license.Payload) {
	fmt.Fprintf(w, "Identity: %s\n", p.SubjectIdentity)
	fmt.Fprintf(w, "Product:  %s\n", p.ProductID)
	fmt.Fprintf(w, "Plan:     %s\n", p.Plan)
	fmt.Fprintf(w, "Issued:   %s\n", p.IssuedAt.Format(time.RFC3339))
	if p.NeverExpires() {
		fmt.Fprintln(w, "Expires:  never")
	} else {
		fmt.Fprintf(w, "Expires:  %s\n", p.ExpiresAt.Format(time.RFC3339))
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
