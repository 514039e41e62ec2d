package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/vault"
	"github.com/spf13/cobra"
)

func newRegisterCommand(opts *RootOptions) *cobra.Command {
	var (
		req        vault.RegisterRequest
		passphrase string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a vault and its first master key",
		Long: `Create a vault for a user. With a passphrase the master key is wrapped
under a key derived from it; without one the key is sealed by the configured
KMS, or stored encoded when no sealer is configured.

Example:
  pathlog register --email pilot@pathlog.local --accept-terms --passphrase demo-pass`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Passphrase = resolvePassphrase(passphrase)
			return opts.run(cmd, func(ctx context.Context, a *app, p *Printer) error {
				res, err := a.service.RegisterUser(ctx, req)
				if err != nil {
					return err
				}
				return p.Result(res, func(w io.Writer) {
					fmt.Fprintf(w, "%s Vault registered\n", Success.Sprint("✓"))
					fmt.Fprintf(w, "  user_id = %s\n", Highlight.Sprint(res.UserID))
					fmt.Fprintf(w, "  key_id  = %s\n", res.KeyID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "contact email of the vault owner")
	cmd.Flags().BoolVar(&req.AcceptTerms, "accept-terms", false, "accept the encryption policy and consent statement")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "vault passphrase (default $"+EnvPassphrase+")")
	cmd.Flags().StringVar(&req.Alias, "alias", "", "display alias")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newConnectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <user-id> <tool>",
		Short: "Grant a tool capture access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app, p *Printer) error {
				tools, err := a.service.ConnectTool(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				data := map[string]interface{}{"user_id": args[0], "connected_tools": tools}
				return p.Result(data, func(w io.Writer) {
					fmt.Fprintf(w, "%s Connected tools: %s\n", Success.Sprint("✓"), strings.Join(tools, ", "))
				})
			})
		},
	}
}

func newCaptureCommand(opts *RootOptions) *cobra.Command {
	var (
		req        vault.CaptureRequest
		metadata   map[string]string
		passphrase string
	)

	cmd := &cobra.Command{
		Use:   "capture <user-id>",
		Short: "Encrypt and store one interaction",
		Long: `Encrypt and store one interaction under the vault's current key.

Example:
  pathlog capture 1b9d... --tool ChatGPT --prompt "How do I launch PathLog?" \
    --response "Start with encrypted capture." --meta channel=web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.UserID = args[0]
			req.Passphrase = resolvePassphrase(passphrase)
			req.Metadata = make(map[string]any, len(metadata))
			for k, v := range metadata {
				req.Metadata[k] = v
			}
			return opts.run(cmd, func(ctx context.Context, a *app, p *Printer) error {
				res, err := a.service.CaptureEvent(ctx, req)
				if err != nil {
					return err
				}
				return p.Result(res, func(w io.Writer) {
					fmt.Fprintf(w, "%s Stored event %s at %s\n", Success.Sprint("✓"), res.EventID, res.StoredAt.Format("2006-01-02T15:04:05Z07:00"))
				})
			})
		},
	}

	cmd.Flags().StringVar(&req.ToolName, "tool", "", "tool that produced the interaction")
	cmd.Flags().StringVar(&req.Prompt, "prompt", "", "prompt text")
	cmd.Flags().StringVar(&req.Response, "response", "", "response text")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "metadata as key=value pairs")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "vault passphrase (default $"+EnvPassphrase+")")
	_ = cmd.MarkFlagRequired("tool")

	return cmd
}

func newTimelineCommand(opts *RootOptions) *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "timeline <user-id>",
		Short: "Decrypt and list every captured event in time order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app, p *Printer) error {
				events, err := a.service.FetchTimeline(ctx, args[0], resolvePassphrase(passphrase))
				if err != nil {
					return err
				}
				return p.Result(events, func(w io.Writer) { printTimeline(w, events) })
			})
		},
	}

	cmd.Flags().StringVar(&passphrase, "passphrase", "", "vault passphrase (default $"+EnvPassphrase+")")
	return cmd
}

func printTimeline(w io.Writer, events []types.EventPayload) {
	if len(events) == 0 {
		fmt.Fprintln(w, Muted.Sprint("no events"))
		return
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s  %s  %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), Highlight.Sprint(e.ToolName), Muted.Sprint(e.EventID))
		fmt.Fprintf(w, "  prompt:   %s\n", e.Prompt)
		fmt.Fprintf(w, "  response: %s\n", e.Response)
		if len(e.Metadata) > 0 {
			keys := make([]string, 0, len(e.Metadata))
			for k := range e.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, 0, len(keys))
			for _, k := range keys {
				pairs = append(pairs, fmt.Sprintf("%s=%v", k, e.Metadata[k]))
			}
			fmt.Fprintf(w, "  metadata: %s\n", strings.Join(pairs, " "))
		}
	}
}

func newStatsCommand(opts *RootOptions) *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "stats <user-id>",
		Short: "Count captured events per tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app, p *Printer) error {
				stats, err := a.service.Stats(ctx, args[0], resolvePassphrase(passphrase))
				if err != nil {
					return err
				}
				return p.Result(stats, func(w io.Writer) { printStats(w, stats) })
			})
		},
	}

	cmd.Flags().StringVar(&passphrase, "passphrase", "", "vault passphrase (default $"+EnvPassphrase+")")
	return cmd
}

func printStats(w io.Writer, stats *types.Stats) {
	fmt.Fprintf(w, "%d events\n", stats.TotalEvents)
	tools := make([]string, 0, len(stats.ByTool))
	for t := range stats.ByTool {
		tools = append(tools, t)
	}
	sort.Strings(tools)
	for _, t := range tools {
		fmt.Fprintf(w, "  %-12s %d\n", t, stats.ByTool[t])
	}
}

func newExportCommand(opts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <user-id>",
		Short: "Write the still encrypted vault to a bundle file",
		Long: `Write a bundle with the profile, key records and encrypted events. Nothing
is decrypted, so no passphrase is needed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app, p *Printer) error {
				path := output
				if path == "" {
					path = fmt.Sprintf("pathlog_export_%s.json", args[0])
				}
				bundle, err := a.service.ExportBundle(ctx, args[0])
				if err != nil {
					return err
				}
				if err := writeBundle(path, bundle); err != nil {
					return err
				}
				data := map[string]interface{}{"user_id": args[0], "path": path, "events": len(bundle.Events)}
				return p.Result(data, func(w io.Writer) {
					fmt.Fprintf(w, "%s Exported %d events to %s\n", Success.Sprint("✓"), len(bundle.Events), Code.Sprint(path))
				})
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "bundle path (default: pathlog_export_<user-id>.json)")
	return cmd
}

func newImportCommand(opts *RootOptions) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "import <bundle-file>",
		Short: "Restore a bundle as a new vault",
		Long: `Restore a bundle. The vault keeps its keys and passphrase; an existing
vault is never overwritten. Without --target the bundle's own user id is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := readBundle(args[0])
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, a *app, p *Printer) error {
				res, err := a.service.ImportBundle(ctx, bundle, target)
				if err != nil {
					return err
				}
				return p.Result(res, func(w io.Writer) {
					fmt.Fprintf(w, "%s Imported %d events as %s\n", Success.Sprint("✓"), res.ImportedEvents, Highlight.Sprint(res.UserID))
				})
			})
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "user id to import as")
	return cmd
}

func newRotateCommand(opts *RootOptions) *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "rotate <user-id>",
		Short: "Issue a new master key and re-encrypt every event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app, p *Printer) error {
				res, err := a.service.RotateKey(ctx, args[0], resolvePassphrase(passphrase))
				if err != nil {
					return err
				}
				status := a.service.RotationStatus(args[0])
				return p.Result(res, func(w io.Writer) {
					fmt.Fprintf(w, "%s Master key rotated, %d events re-encrypted\n", Success.Sprint("✓"), res.ReencryptedEvents)
					fmt.Fprintf(w, "  key_id = %s %s\n", res.KeyID, Muted.Sprint("was "+res.PreviousKeyID))
					if status != nil {
						elapsed := status.FinishTime.Sub(status.StartTime).Round(time.Millisecond)
						fmt.Fprintf(w, "  %s\n", Muted.Sprintf("%d/%d re-encrypted in %s", status.Processed, status.Total, elapsed))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&passphrase, "passphrase", "", "vault passphrase (default $"+EnvPassphrase+")")
	return cmd
}

func writeBundle(path string, bundle *types.Bundle) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("%w: write bundle: %w", types.ErrStorage, err)
	}
	return nil
}

func readBundle(path string) (*types.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read bundle: %w", types.ErrValidation, err)
	}
	var bundle types.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: parse bundle: %w", types.ErrValidation, err)
	}
	return &bundle, nil
}
