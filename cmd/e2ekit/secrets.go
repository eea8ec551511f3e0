package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/pkg/schema"
)

func newSecretsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the sealed credentials file",
		Long: `The sealed credentials file stores backend secrets encrypted with the
passphrase in ` + envSecretsKey + `. Names follow the environment variables the
credential loader reads, e.g. E2EKIT_DB_PASSWORD or E2EKIT_<PROJECT>_API_TOKEN.
Environment variables still take precedence.`,
	}
	cmd.AddCommand(
		newSecretsSetCmd(opts),
		newSecretsListCmd(opts),
		newSecretsDeleteCmd(opts),
	)
	return cmd
}

func (o *rootOptions) openSealed() (*secrets.SealedFile, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	key := o.getenv(envSecretsKey)
	if key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeCredentials, "%s is not set", envSecretsKey)
	}
	return secrets.OpenSealedFile(cfg.SecretsFile, key)
}

func newSecretsSetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME [VALUE]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.openSealed()
			if err != nil {
				return err
			}
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else if value, err = readLine(cmd.InOrStdin()); err != nil {
				return err
			}
			if value == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "empty value for %s", args[0])
			}
			f.Set(args[0], value)
			if err := f.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
			return nil
		},
	}
}

func newSecretsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := opts.openSealed()
			if err != nil {
				return err
			}
			for _, k := range f.Keys() {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func newSecretsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.openSealed()
			if err != nil {
				return err
			}
			f.Delete(args[0])
			return f.Save()
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read value: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
