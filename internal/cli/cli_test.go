package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/audit"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("PATHLOG_SCRYPT_N", "1024")
	t.Setenv("PATHLOG_HASH_ITERATIONS", "1000")
	t.Setenv(EnvPassphrase, "")
	t.Setenv("NO_COLOR", "1")
	return t.TempDir()
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decodeData(t *testing.T, out string, v interface{}) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "pathlog", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"register", "connect", "capture", "timeline", "stats", "export", "import", "rotate", "quickstart"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitSuccess},
		{name: "validation", err: fmt.Errorf("%w: bad", types.ErrValidation), want: ExitCallerError},
		{name: "passphrase", err: types.ErrInvalidPassphrase, want: ExitCallerError},
		{name: "consent", err: types.ErrConsentRequired, want: ExitCallerError},
		{name: "not found", err: fmt.Errorf("%w: u1", types.ErrUserNotFound), want: ExitNotFound},
		{name: "decryption", err: types.ErrDecryptionFailed, want: ExitIntegrity},
		{name: "key wrap", err: types.ErrKeyWrap, want: ExitIntegrity},
		{name: "storage", err: fmt.Errorf("%w: write: disk full", types.ErrStorage), want: ExitStorage},
		{name: "rotation", err: types.ErrRotationInProgress, want: ExitConflict},
		{name: "other", err: fmt.Errorf("boom"), want: ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestInvalidFormat(t *testing.T) {
	code, _, stderr := run(t, "--format", "xml", "timeline", "u1")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "invalid format")
}

func TestQuickstart(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			dir := setupEnv(t)
			exportPath := filepath.Join(dir, "export.json")

			code, out, stderr := run(t, "--root", dir, "--backend", backend, "--format", "json", "quickstart", "-o", exportPath)
			require.Equal(t, ExitSuccess, code, stderr)

			var report QuickstartReport
			decodeData(t, out, &report)
			assert.Equal(t, []string{"ChatGPT", "Claude"}, report.Tools)
			require.Len(t, report.Timeline, 1)
			assert.Equal(t, "How do I launch PathLog?", report.Timeline[0].Prompt)
			assert.Equal(t, map[string]int{"ChatGPT": 1}, report.Stats.ByTool)
			assert.Equal(t, 1, report.Rotation.ReencryptedEvents)

			var trail []string
			for _, e := range report.Audit {
				assert.Equal(t, audit.StatusSuccess, e.Status, e.EventType)
				trail = append(trail, e.EventType)
			}
			assert.Equal(t, []string{
				audit.EventTypeRegister,
				audit.EventTypeConnect,
				audit.EventTypeConnect,
				audit.EventTypeCapture,
				audit.EventTypeTimeline,
				audit.EventTypeExport,
				audit.EventTypeRotate,
			}, trail)

			bundle, err := readBundle(exportPath)
			require.NoError(t, err)
			assert.Equal(t, report.UserID, bundle.Profile.UserID)
			assert.Len(t, bundle.Events, 1)
		})
	}
}

func TestQuickstartText(t *testing.T) {
	dir := setupEnv(t)
	code, out, stderr := run(t, "--root", dir, "quickstart", "-o", filepath.Join(dir, "export.json"))
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "[1] Provision vault")
	assert.Contains(t, out, "[7] Rotate key")
	assert.Contains(t, out, "[8] Audit trail")
	assert.Contains(t, out, "vault.rotate")
	assert.Contains(t, out, "How do I launch PathLog?")
	assert.Contains(t, out, "PathLog quickstart complete.")
}

func TestVaultLifecycle(t *testing.T) {
	dir := setupEnv(t)
	base := []string{"--root", dir, "--format", "json"}
	cli := func(args ...string) (int, string, string) {
		return run(t, append(append([]string{}, base...), args...)...)
	}

	code, out, stderr := cli("register", "--email", "pilot@pathlog.local", "--accept-terms", "--passphrase", "demo-pass")
	require.Equal(t, ExitSuccess, code, stderr)
	var reg vault.RegisterResult
	decodeData(t, out, &reg)
	require.NotEmpty(t, reg.UserID)

	code, _, stderr = cli("capture", reg.UserID, "--tool", "ChatGPT", "--prompt", "hi", "--response", "hello", "--meta", "channel=cli", "--passphrase", "demo-pass")
	require.Equal(t, ExitSuccess, code, stderr)

	code, _, _ = cli("timeline", reg.UserID)
	assert.Equal(t, ExitCallerError, code, "passphrase required")
	code, out, _ = cli("timeline", reg.UserID, "--passphrase", "nope")
	assert.Equal(t, ExitCallerError, code)
	assert.Contains(t, out, string(types.KindInvalidPassphrase))

	t.Setenv(EnvPassphrase, "demo-pass")
	code, out, stderr = cli("timeline", reg.UserID)
	require.Equal(t, ExitSuccess, code, stderr)
	var events []types.EventPayload
	decodeData(t, out, &events)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]any{"channel": "cli"}, events[0].Metadata)

	exportPath := filepath.Join(dir, "bundle.json")
	code, _, stderr = cli("export", reg.UserID, "-o", exportPath)
	require.Equal(t, ExitSuccess, code, stderr)

	code, out, stderr = cli("import", exportPath, "--target", "restored")
	require.Equal(t, ExitSuccess, code, stderr)
	var imported vault.ImportResult
	decodeData(t, out, &imported)
	assert.Equal(t, vault.ImportResult{UserID: "restored", ImportedEvents: 1}, imported)

	code, _, _ = cli("import", exportPath)
	assert.Equal(t, ExitCallerError, code, "source vault already exists")

	code, out, stderr = cli("rotate", "restored")
	require.Equal(t, ExitSuccess, code, stderr)
	var rotated vault.RotateResult
	decodeData(t, out, &rotated)
	assert.Equal(t, 1, rotated.ReencryptedEvents)

	code, out, stderr = run(t, "--root", dir, "rotate", "restored")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "1/1 re-encrypted in")

	code, out, stderr = cli("stats", "restored")
	require.Equal(t, ExitSuccess, code, stderr)
	var stats types.Stats
	decodeData(t, out, &stats)
	assert.Equal(t, 1, stats.TotalEvents)
}

func TestErrorsMapToExitCodes(t *testing.T) {
	dir := setupEnv(t)

	code, _, stderr := run(t, "--root", dir, "register", "--email", "pilot@pathlog.local")
	assert.Equal(t, ExitCallerError, code)
	assert.Contains(t, stderr, "--accept-terms")

	code, _, _ = run(t, "--root", dir, "timeline", "00000000-0000-4000-8000-000000000000")
	assert.Equal(t, ExitNotFound, code)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	code, _, _ = run(t, "--root", dir, "import", bad)
	assert.Equal(t, ExitCallerError, code)
}

func TestConfigFile(t *testing.T) {
	dir := setupEnv(t)
	cfgPath := filepath.Join(dir, "pathlog.yaml")
	cfg := fmt.Sprintf("storage:\n  backend: sqlite\n  root: %s\ncache:\n  enabled: true\n", dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	code, out, stderr := run(t, "--config", cfgPath, "--format", "json", "register", "--email", "a@b.c", "--accept-terms")
	require.Equal(t, ExitSuccess, code, stderr)
	var reg vault.RegisterResult
	decodeData(t, out, &reg)

	_, err := os.Stat(filepath.Join(dir, "pathlog.db"))
	assert.NoError(t, err)
}

func TestVerboseLogsRedactedConfig(t *testing.T) {
	dir := setupEnv(t)
	cfgPath := filepath.Join(dir, "pathlog.yaml")
	cfg := fmt.Sprintf("storage:\n  backend: file\n  root: %s\n  mongoUri: mongodb://pathlog:hunter2@db:27017\ncache:\n  enabled: true\n", dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	code, _, stderr := run(t, "--config", cfgPath, "--verbose", "register", "--email", "a@b.c", "--accept-terms")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stderr, "Configuration loaded")
	assert.Contains(t, stderr, "pathlog:[MASKED]@db")
	assert.NotContains(t, stderr, "hunter2")
	assert.Contains(t, stderr, "Cache statistics")
}
