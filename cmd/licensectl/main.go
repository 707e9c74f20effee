// Command licensectl manages signing keys and licenses from the terminal,
// and drives the client-side entitlement cache.
package main

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"licensegate/internal/config"
	"licensegate/internal/entitlement"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
)

// Replaced in tests; release builds embed these through -ldflags.
var (
	publicKey   = license.EmbeddedPublicKey
	productID   = license.EmbeddedProductID
	issuerURL   = entitlement.EmbeddedIssuerURL
	gracePolicy = entitlement.EmbeddedPolicy
)

type rootOptions struct {
	configFile string
	verbose    bool
	jsonOutput bool
}

func (o *rootOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configFile, "config", "", "path to a YAML config file")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log debug output to stderr")
	fs.BoolVar(&o.jsonOutput, "json", false, "print results as JSON")
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configFile != "" {
		return config.LoadFile(o.configFile)
	}
	return config.Load()
}

// logger writes to stderr so command output on stdout stays parseable.
func (o *rootOptions) logger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	logCfg := cfg.Logging
	logCfg.Output = "console"
	logCfg.Level = "warn"
	if o.verbose {
		logCfg.Level = "debug"
	}
	return infrastructure.NewLogger(logCfg, cmd.ErrOrStderr())
}

func (o *rootOptions) embeddedKey() (ed25519.PublicKey, error) {
	key, err := publicKey()
	if err != nil {
		return nil, fmt.Errorf("%w (rebuild with -ldflags \"-X licensegate/internal/license.publicKey=...\")", err)
	}
	return key, nil
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "licensectl",
		Short:         "Manage offline licenses and the local entitlement",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	opts.addFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newKeygenCommand(),
		newIssueCommand(opts),
		newVerifyCommand(opts),
		newActivateCommand(opts),
		newStatusCommand(opts),
		newRecheckCommand(opts),
		newDeactivateCommand(opts),
	)
	return rootCmd
}

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
