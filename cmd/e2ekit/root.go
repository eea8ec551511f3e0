package main

import (
	"context"

	"github.com/spf13/cobra"
)

// rootOptions carries the persistent flags into every subcommand.
type rootOptions struct {
	projectRoot string
	logLevel    string
	getenv      func(string) string
}

// newRootCmd builds the command tree. getenv is os.Getenv outside tests.
func newRootCmd(getenv func(string) string) *cobra.Command {
	opts := &rootOptions{getenv: getenv}

	root := &cobra.Command{
		Use:   "e2ekit",
		Short: "Plan e2e pipelines and clean up what their runs leave behind",
		Long: `e2ekit orders end-to-end test pipelines by their dependencies and
manages the cleanups their runs persist when a backend refuses a delete.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("e2ekit {{.Version}}\n")

	root.PersistentFlags().StringVar(&opts.projectRoot, "project-root", "", "project root holding .e2ekit/ (default: current directory)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newPlanCmd(),
		newCleanupCmd(opts),
		newMCPCmd(opts),
		newSecretsCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *rootOptions) config() (Config, error) {
	cfg, err := loadConfig(o.projectRoot, o.getenv)
	if err != nil {
		return Config{}, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// withApp builds the app for one command and always closes it.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr(), o.getenv)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}
