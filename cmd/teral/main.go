// Command teral is the thin outer host binding config, storage and the
// core validator together behind a small HTTP ingress, grounded on the
// teacher's walletserver entrypoint (chi router, logrus request logging,
// ListenAndServe).
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ofekshochat/teral/core"
	"github.com/ofekshochat/teral/internal/apiserver"
	"github.com/ofekshochat/teral/pkg/config"
	"github.com/ofekshochat/teral/pkg/utils"
	"github.com/ofekshochat/teral/storage"
)

func main() {
	// mirrors the teacher's cmd/cli entrypoints: best-effort load a local
	// .env into the process environment before config/viper ever reads it.
	_ = godotenv.Load()

	root := &cobra.Command{Use: "teral"}
	root.AddCommand(serveCmd())
	root.AddCommand(configDumpCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func configDumpCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "config-dump",
		Short: "print the effective merged configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return utils.Wrap(err, "load config")
			}
			out, err := config.DumpYAML(cfg)
			if err != nil {
				return utils.Wrap(err, "render config")
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name to merge into the base config")
	return cmd
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a Teral node: validator + contract ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name to merge into the base config")
	return cmd
}

func runServe(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		logrus.WithError(err).Warn("teral: no config file found, using defaults")
		cfg = &config.AppConfig
	}

	store, err := openStorage(cfg)
	if err != nil {
		return utils.Wrap(err, "open storage")
	}

	threads := cfg.ContractsExec.Threads
	if threads <= 0 {
		threads = 1
	}
	opts := core.DefaultValidatorOptions()
	opts.Threads = threads

	validator, err := core.NewValidator(store, opts, logrus.StandardLogger())
	if err != nil {
		return utils.Wrap(err, "construct validator")
	}

	addr := cfg.Network.Addr
	if addr == "" {
		addr = ":8090"
	}
	srv := apiserver.New(validator, opts, logrus.StandardLogger())
	logrus.Infof("teral: listening on %s", addr)
	return srv.ListenAndServe(addr)
}

func openStorage(cfg *config.TeralConfig) (core.Storage, error) {
	if cfg.Storage.Path == "" {
		return storage.NewMemStore(), nil
	}
	return storage.OpenBoltStore(cfg.Storage.Path)
}
