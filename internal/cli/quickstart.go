package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/vault"
	"github.com/spf13/cobra"
)

const (
	quickstartEmail      = "pilot@pathlog.local"
	quickstartPassphrase = "demo-pass"
	quickstartExport     = "pathlog_quickstart_export.json"
)

// QuickstartReport is the JSON result of the quickstart walkthrough
type QuickstartReport struct {
	UserID     string               `json:"user_id"`
	Tools      []string             `json:"connected_tools"`
	Captured   *vault.CaptureResult `json:"captured"`
	Timeline   []types.EventPayload `json:"timeline"`
	Stats      *types.Stats         `json:"stats"`
	ExportPath string               `json:"export_path"`
	Rotation   *vault.RotateResult  `json:"rotation"`
	Audit      []*types.AuditEvent  `json:"audit"`
}

func newQuickstartCommand(opts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "quickstart",
		Short: "Walk through register, capture, timeline, export and rotation",
		Long: `Provision a demo vault protected by the passphrase "demo-pass", connect
two tools, capture an interaction, read it back, export the bundle, rotate
the master key and list the audit trail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app, p *Printer) error {
				report, err := runQuickstart(ctx, a.service, a.trail, p, output)
				if err != nil {
					return err
				}
				return p.Result(report, func(w io.Writer) {
					fmt.Fprintf(w, "%s PathLog quickstart complete.\n", Success.Sprint("✓"))
				})
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", quickstartExport, "bundle path")
	return cmd
}

func runQuickstart(ctx context.Context, svc *vault.Service, trail interfaces.AuditLogger, p *Printer, exportPath string) (*QuickstartReport, error) {
	report := &QuickstartReport{ExportPath: exportPath}

	p.Step("[1] Provision vault and generate key...")
	reg, err := svc.RegisterUser(ctx, vault.RegisterRequest{
		Email:       quickstartEmail,
		AcceptTerms: true,
		Passphrase:  quickstartPassphrase,
		Alias:       "pilot",
	})
	if err != nil {
		return nil, err
	}
	report.UserID = reg.UserID
	p.Step("    user_id = %s", reg.UserID)

	p.Step("[2] Connect ChatGPT and Claude hooks...")
	for _, tool := range []string{"ChatGPT", "Claude"} {
		if report.Tools, err = svc.ConnectTool(ctx, reg.UserID, tool); err != nil {
			return nil, err
		}
	}

	p.Step("[3] Capture an interaction event...")
	report.Captured, err = svc.CaptureEvent(ctx, vault.CaptureRequest{
		UserID:     reg.UserID,
		ToolName:   "ChatGPT",
		Prompt:     "How do I launch PathLog?",
		Response:   "Start with encrypted capture, build recall surfaces, rotate keys regularly.",
		Metadata:   map[string]any{"channel": "web"},
		Passphrase: quickstartPassphrase,
	})
	if err != nil {
		return nil, err
	}
	p.Step("    stored event %s", report.Captured.EventID)

	p.Step("[4] Review timeline entries...")
	if report.Timeline, err = svc.FetchTimeline(ctx, reg.UserID, quickstartPassphrase); err != nil {
		return nil, err
	}
	if p.Format != "json" {
		printTimeline(p.Out, report.Timeline)
	}

	p.Step("[5] Stats snapshot...")
	if report.Stats, err = svc.Stats(ctx, reg.UserID, quickstartPassphrase); err != nil {
		return nil, err
	}
	if p.Format != "json" {
		printStats(p.Out, report.Stats)
	}

	p.Step("[6] Export encrypted bundle...")
	bundle, err := svc.ExportBundle(ctx, reg.UserID)
	if err != nil {
		return nil, err
	}
	if err := writeBundle(exportPath, bundle); err != nil {
		return nil, err
	}
	p.Step("    export saved to %s", exportPath)

	p.Step("[7] Rotate key and re-encrypt history...")
	if report.Rotation, err = svc.RotateKey(ctx, reg.UserID, quickstartPassphrase); err != nil {
		return nil, err
	}
	p.Step("    key_id = %s", report.Rotation.KeyID)

	p.Step("[8] Audit trail...")
	if report.Audit, err = trail.GetEvents(ctx, map[string]interface{}{"userId": reg.UserID}); err != nil {
		return nil, err
	}
	for _, e := range report.Audit {
		p.Step("    %-15s %s", e.EventType, e.Status)
	}

	return report, nil
}
