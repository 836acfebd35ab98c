package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/mailos/pkg/mailos/config"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage checker secrets in the OS keyring",
		Long: `Store checker credentials in the operating system keyring instead of the
configuration file. Fields: ` + strings.Join(config.SecretFields, ", ") + `.

Examples:
  mailos secret set support password
  echo "$KEY" | mailos secret set support api_key
  mailos secret delete support password`,
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretDeleteCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <checker-id> <field>",
		Short: "Store a secret (prompted without echo, or read from stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readSecret(cmd, fmt.Sprintf("%s for %s: ", args[1], args[0]))
			if err != nil {
				return err
			}
			if value == "" {
				return errors.New("empty value, nothing stored")
			}
			if err := config.StoreSecret(args[0], args[1], value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s for %s in the keyring.\n", args[1], args[0])
			return nil
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <checker-id> <field>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteSecret(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s for %s.\n", args[1], args[0])
			return nil
		},
	}
}

// readSecret prompts without echo on a terminal and reads one line from
// stdin otherwise.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
