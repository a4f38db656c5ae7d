// Command blobctl browses and reorganises a container from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/damacus/iron-folders/internal/archive"
	"github.com/damacus/iron-folders/internal/config"
	"github.com/damacus/iron-folders/internal/logging"
	"github.com/damacus/iron-folders/internal/namespace"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/damacus/iron-folders/internal/tree"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// app carries what every command needs. Tests fill it directly; otherwise
// it is built from the config in the root command's pre-run.
type app struct {
	factory     services.StoreFactory
	cred        services.Credential
	container   string
	treeOpts    tree.Options
	archiveOpts archive.Options
	interactive func() bool
}

func (a *app) store() (services.ObjectStore, error) {
	if a.container == "" {
		return nil, fmt.Errorf("no container: pass --container or set backend.container")
	}
	return a.factory.NewStore(a.cred, a.container)
}

func (a *app) namespace() (*namespace.Adapter, error) {
	store, err := a.store()
	if err != nil {
		return nil, err
	}
	return namespace.New(store), nil
}

func (a *app) engine() (*tree.Engine, error) {
	ns, err := a.namespace()
	if err != nil {
		return nil, err
	}
	return tree.New(ns, a.treeOpts), nil
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func newRootCmd(a *app) *cobra.Command {
	var (
		cfgFile   string
		envFile   string
		container string
		logLevel  string
	)

	rootCmd := &cobra.Command{
		Use:   "blobctl",
		Short: "Folder operations on a flat object store",
		Long: `blobctl presents a container as folders and files.

Folders are key prefixes. Moves and copies run server-side in batches.

Examples:
  # List the root of a container
  blobctl --container photos ls

  # Move two folders under archive/
  blobctl mv trips/2023/ trips/2024/ archive/

  # Download a folder as a zip
  blobctl zip trips/2024/ -o 2024.zip`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.factory != nil {
				if container != "" {
					a.container = container
				}
				return nil
			}
			cfg, err := config.Load(config.Options{ConfigFile: cfgFile, EnvFile: envFile})
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if cmd.Flags().Changed("log-level") {
				level = logLevel
			}
			logging.SetupWriter(cmd.ErrOrStderr(), level, true)

			factory, err := services.NewStoreFactory(cfg.FactoryConfig())
			if err != nil {
				return err
			}
			a.factory = factory
			a.cred = cfg.Credential()
			a.container = cfg.Backend.Container
			if container != "" {
				a.container = container
			}
			a.treeOpts = cfg.TreeOptions()
			a.archiveOpts = cfg.ArchiveOptions()
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", ".env file path")
	rootCmd.PersistentFlags().StringVarP(&container, "container", "b", "", "container to operate on")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "warn", "log level")

	rootCmd.AddCommand(
		newLsCmd(a),
		newFindCmd(a),
		newStatsCmd(a),
		newMkdirCmd(a),
		newPutCmd(a),
		newRmCmd(a),
		newRmdirCmd(a),
		newRenameCmd(a),
		newTransferCmd(a, "mv"),
		newTransferCmd(a, "cp"),
		newZipCmd(a),
		newShareCmd(a),
	)
	return rootCmd
}

func main() {
	a := &app{interactive: stdinIsTerminal}
	if err := newRootCmd(a).Execute(); err != nil {
		os.Exit(1)
	}
}
