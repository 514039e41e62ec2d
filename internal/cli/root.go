// Package cli implements the pathlog command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// EnvPassphrase is read when --passphrase is not given
const EnvPassphrase = "PATHLOG_PASSPHRASE"

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	Root       string
	Backend    string
	SQLitePath string
	Format     string
	Verbose    bool
}

// NewRootCommand creates the root command of the pathlog CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "pathlog",
		Short: "PathLog - an encrypted, append-only vault for AI tool interactions",
		Long: `PathLog captures prompts and responses from AI tools into a per-user vault.
Every event is encrypted under the user's master key; the key itself is
wrapped under an optional passphrase or sealed by a KMS.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the environment")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", "", "storage root directory (overrides configuration)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "storage backend: file, sqlite or mongo (overrides configuration)")
	cmd.PersistentFlags().StringVar(&opts.SQLitePath, "sqlite-path", "", "SQLite database file (overrides configuration)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newRegisterCommand(opts))
	cmd.AddCommand(newConnectCommand(opts))
	cmd.AddCommand(newCaptureCommand(opts))
	cmd.AddCommand(newTimelineCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newRotateCommand(opts))
	cmd.AddCommand(newQuickstartCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		format, _ := cmd.PersistentFlags().GetString("format")
		p := &Printer{Format: format, Out: stdout, Err: stderr}
		p.Failure(err)
	}
	return ExitCode(err)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// run opens the vault and hands it to fn
func (o *RootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, a *app, p *Printer) error) error {
	p := &Printer{Format: o.Format, Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}
	a, err := openApp(cmd.Context(), o, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a, p)
}

func resolvePassphrase(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(EnvPassphrase)
}
