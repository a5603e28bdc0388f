// Command bunkctl runs the bunk request engine: the HTTP service, the request
// pipeline and solver runs from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"bunkcore/internal/config"
	"bunkcore/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "bunkctl",
		Short: "Bunk request intelligence and cabin assignment",
		Long: `bunkctl processes camper bunking requests into prioritized, reviewed
requests and friend groups, and solves cabin assignments against them.

Configuration comes from an optional YAML file (--config) overlaid with
BUNKCORE_ environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(opts),
		newSeedCmd(opts),
		newProcessCmd(opts),
		newRequestsCmd(opts),
		newSolveCmd(opts),
		newScenarioCmd(opts),
	)
	return root
}

// open loads configuration and wires the application. Commands other than
// serve log human-readable lines to stderr so stdout stays machine-readable.
func (o *rootOptions) open(ctx context.Context, server bool) (*app, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if !server {
		cfg.Logging.Format = "console"
	}
	log, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Service)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return newApp(ctx, cfg, log)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
