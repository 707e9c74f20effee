package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"licensegate/internal/license"
	"licensegate/internal/middleware"
	httpapi "licensegate/internal/transport/http"
)

func newKeygenCommand() *cobra.Command {
	var (
		outDir string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key pair",
		Long: "Generate an Ed25519 signing key pair. The private key stays with the issuer; " +
			"the public key is embedded into client builds.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := license.Generate()
			if err != nil {
				return err
			}
			if err := license.WriteKeyFiles(outDir, kp, force); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key: %s\n", filepath.Join(outDir, license.PrivateKeyFile))
			fmt.Fprintf(out, "Public key:  %s\n", kp.PublicKeyString())
			fmt.Fprintf(out, "Embed with:  -ldflags \"-X licensegate/internal/license.publicKey=%s\"\n", kp.PublicKeyString())
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for the key files")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing private key")
	return cmd
}

func newIssueCommand(opts *rootOptions) *cobra.Command {
	var (
		identity string
		plan     string
		product  string
		ttlDays  int
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a license locally with the configured private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := httpapi.IssueRequest{Identity: strings.TrimSpace(identity), Plan: plan}
			if cmd.Flags().Changed("ttl-days") {
				req.TTLDays = &ttlDays
			}
			if err := middleware.NewValidator().ValidateStruct(req); err != nil {
				return err
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := opts.logger(cmd, cfg)
			if err != nil {
				return err
			}

			priv, err := license.NewKeyManager(cfg.Issuer.PrivateKey, cfg.Issuer.PrivateKeyFile).LoadPrivate()
			if err != nil {
				return err
			}
			issuer, err := license.NewIssuer(priv, license.WithLogger(logger))
			if err != nil {
				return err
			}

			if product == "" {
				product = cfg.Issuer.ProductID
			}
			if plan == "" {
				plan = cfg.Issuer.DefaultPlan
			}
			ttl := cfg.Issuer.DefaultTTL()
			if req.TTLDays != nil {
				ttl = nil
				if ttlDays > 0 {
					d := time.Duration(ttlDays) * 24 * time.Hour
					ttl = &d
				}
			}

			token, payload, err := issuer.Issue(context.Background(), req.Identity, product, plan, ttl)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"token": token, "payload": payload})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "subject identity, usually an email")
	cmd.Flags().StringVar(&plan, "plan", "", "plan name (default from config)")
	cmd.Flags().StringVar(&product, "product", "", "product id (default from config)")
	cmd.Flags().IntVar(&ttlDays, "ttl-days", 0, "days until expiry; 0 never expires (default from config)")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var (
		product string
		online  bool
	)

	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a license token against the embedded public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if product == "" {
				product = productID()
			}
			token := license.Token(strings.TrimSpace(args[0]))

			var v license.Verification
			if online {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.RecheckTimeout)
				defer cancel()
				v, err = newRechecker(cfg, product).Recheck(ctx, token)
				if err != nil {
					return err
				}
			} else {
				key, err := opts.embeddedKey()
				if err != nil {
					return err
				}
				v = license.NewVerifier(key).Verify(token, product)
			}

			if opts.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), v); err != nil {
					return err
				}
			} else {
				printVerification(cmd.OutOrStdout(), v)
			}
			return v.Outcome.Err()
		},
	}

	cmd.Flags().StringVar(&product, "product", "", "expected product id (default embedded)")
	cmd.Flags().BoolVar(&online, "online", false, "ask the issuer instead of verifying locally")
	return cmd
}
