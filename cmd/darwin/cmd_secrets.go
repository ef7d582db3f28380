package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"darwin/pkg/config"
)

func newSecretsCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secrets file",
		Long: `Manage .darwin/secrets.json.enc. Secrets stored there take precedence over the
environment for credential settings such as GITHUB_TOKEN and GEMINI_API_KEY.
The password is read from DARWIN_PASSWORD or prompted for.`,
	}
	cmd.AddCommand(newSecretsSetCommand(rootOpts))
	cmd.AddCommand(newSecretsListCommand(rootOpts))
	cmd.AddCommand(newSecretsDeleteCommand(rootOpts))
	return cmd
}

// unlockSecrets loads the secrets file into memory and returns the password for saving.
func unlockSecrets(projectDir string) (string, error) {
	password, err := readPassword("Secrets password: ")
	if err != nil {
		return "", err
	}
	if err := config.LoadSecretsFile(projectDir, password); err != nil {
		return "", fmt.Errorf("failed to unlock secrets: %w", err)
	}
	return password, nil
}

func newSecretsSetCommand(rootOpts *rootOptions) *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <NAME>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := unlockSecrets(rootOpts.projectDir)
			if err != nil {
				return err
			}
			if value == "" {
				if value, err = readSecretValue(cmd, args[0]); err != nil {
					return err
				}
			}
			config.SetSecret(args[0], value)
			if err := config.SaveSecretsToFile(rootOpts.projectDir, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "secret value (prompted for when omitted)")
	return cmd
}

func newSecretsListCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if !config.SecretsFileExists(rootOpts.projectDir) {
				fmt.Fprintln(out, "No secrets file")
				return nil
			}
			if _, err := unlockSecrets(rootOpts.projectDir); err != nil {
				return err
			}
			for _, name := range config.GetDecryptedSecretNames() {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}

func newSecretsDeleteCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <NAME>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !config.SecretsFileExists(rootOpts.projectDir) {
				return errors.New("no secrets file")
			}
			password, err := unlockSecrets(rootOpts.projectDir)
			if err != nil {
				return err
			}
			if !slices.Contains(config.GetDecryptedSecretNames(), args[0]) {
				return fmt.Errorf("%s: %w", args[0], config.ErrSecretNotFound)
			}
			config.DeleteSecret(args[0])
			if err := config.SaveSecretsToFile(rootOpts.projectDir, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

// readSecretValue prompts without echo on a terminal, otherwise reads one line from the
// command's input.
func readSecretValue(cmd *cobra.Command, name string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) { //nolint:gosec // fd fits in int
		fmt.Fprintf(cmd.ErrOrStderr(), "Value for %s: ", name)
		b, err := term.ReadPassword(int(f.Fd())) //nolint:gosec // fd fits in int
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read value: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("failed to read value: %w", err)
		}
		return "", errors.New("empty value")
	}
	return line, nil
}
