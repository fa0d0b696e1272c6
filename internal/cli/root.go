// Package cli provides the packcatalog command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/structurize/packcatalog/internal/catalog"
	"github.com/structurize/packcatalog/internal/config"
	"github.com/structurize/packcatalog/internal/events"
	"github.com/structurize/packcatalog/internal/logging"
	"github.com/structurize/packcatalog/internal/storage"
	"github.com/structurize/packcatalog/internal/storage/factory"
)

// Version is set at build time.
var Version = "0.1.0"

type configKey struct{}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:     "packcatalog",
		Short:   "Browse and serve structure packs",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}

			lc := cfg.Logging()
			if cmd.Name() != "serve" {
				// Keep stdout for command output.
				lc.OutputPath = "stderr"
			}
			if err := logging.Init(lc); err != nil {
				return fmt.Errorf("logging init: %w", err)
			}

			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logging.Sync()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: $"+config.EnvConfigFile+")")
	pf.String("log-level", "info", "log level (debug|info|warn|error)")
	pf.String("log-format", "json", "log format (json|console)")
	pf.String("anchors-file", "", "anchors definition file")
	pf.String("packs-source", "local", "pack source (local|s3)")
	pf.String("packs-root", "./packs", "local directory holding packs")
	pf.String("packs-subdir", "", "directory inside the source holding the pack folders")

	_ = rootCmd.RegisterFlagCompletionFunc("packs-source", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"local", "s3"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newPacksCommand())
	rootCmd.AddCommand(newTreeCommand())
	rootCmd.AddCommand(newSearchCommand())
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey{}).(*config.Config)
	if !ok {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

// openCatalog opens the configured source and discovers its packs. The
// caller closes the returned source.
func openCatalog(ctx context.Context, cfg *config.Config, bus *events.Broadcaster) (*catalog.Catalog, storage.Source, error) {
	src, err := factory.New(ctx, cfg.Storage())
	if err != nil {
		return nil, nil, fmt.Errorf("open pack source: %w", err)
	}
	cat := catalog.New(src, catalog.Options{
		Root:       cfg.Packs.Subdir,
		Extensions: cfg.Packs.Extensions,
		Logger:     logging.Named(nil, "catalog"),
		Events:     bus,
	})
	if _, err := cat.Discover(ctx); err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("discover packs: %w", err)
	}
	return cat, src, nil
}
