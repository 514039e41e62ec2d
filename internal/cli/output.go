package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
)

// Exit codes. Each error kind maps to one code so scripts can branch on it.
const (
	ExitSuccess     = 0
	ExitFailure     = 1 // unclassified failure
	ExitCallerError = 2 // bad input, missing consent, passphrase problems
	ExitNotFound    = 3
	ExitIntegrity   = 4 // decryption or key unwrap failure
	ExitStorage     = 5
	ExitConflict    = 6 // rotation in progress, conflicting key record
)

// ExitCode returns the process exit code for err
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch types.KindOf(err) {
	case types.KindConsentRequired, types.KindPassphraseRequired, types.KindInvalidPassphrase, types.KindValidation:
		return ExitCallerError
	case types.KindUserNotFound:
		return ExitNotFound
	case types.KindDecryptionFailed, types.KindKeyWrap:
		return ExitIntegrity
	case types.KindStorage:
		return ExitStorage
	case types.KindRotationInProgress, types.KindKeyRecordExists:
		return ExitConflict
	default:
		return ExitFailure
	}
}

// Response is the JSON envelope of every command
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// Printer writes command results as text or JSON
type Printer struct {
	Format string
	Out    io.Writer
	Err    io.Writer
}

func (p *Printer) json() bool {
	return p.Format == "json"
}

// Result prints data. In text mode text is called to render it.
func (p *Printer) Result(data interface{}, text func(w io.Writer)) error {
	if p.json() {
		return writeJSON(p.Out, Response{Status: "ok", Data: data})
	}
	text(p.Out)
	return nil
}

// Step prints a progress line. JSON output stays machine readable, so steps
// are dropped there.
func (p *Printer) Step(format string, a ...interface{}) {
	if p.json() {
		return
	}
	fmt.Fprintln(p.Out, Info.Sprint("→")+" "+fmt.Sprintf(format, a...))
}

// Failure prints err with its kind
func (p *Printer) Failure(err error) {
	kind := types.KindOf(err)
	if p.json() {
		_ = writeJSON(p.Out, Response{Status: "error", Error: &ErrorBody{Kind: kind, Message: err.Error()}})
		return
	}
	fmt.Fprintf(p.Err, "%s %s %s\n", Failure.Sprint("✗"), err.Error(), Muted.Sprint(string(kind)))
	var hint string
	switch {
	case errors.Is(err, types.ErrPassphraseRequired):
		hint = "Pass the vault passphrase with " + Code.Sprint("--passphrase") + " or PATHLOG_PASSPHRASE"
	case errors.Is(err, types.ErrConsentRequired):
		hint = "Registration needs " + Code.Sprint("--accept-terms")
	}
	if hint != "" {
		fmt.Fprintf(p.Err, "%s %s\n", Info.Sprint("→"), hint)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
