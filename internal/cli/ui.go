package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// Formatter renders a kind of CLI text, in color when the terminal allows it
type Formatter struct {
	color  *color.Color
	prefix string
	suffix string
}

func (f Formatter) Sprint(a ...interface{}) string {
	text := fmt.Sprint(a...)
	if noColor() {
		return f.prefix + text + f.suffix
	}
	return f.color.Sprint(text)
}

func (f Formatter) Sprintf(format string, a ...interface{}) string {
	return f.Sprint(fmt.Sprintf(format, a...))
}

func noColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return color.NoColor
}

var (
	Success   = Formatter{color.New(color.FgGreen), "", ""}
	Failure   = Formatter{color.New(color.FgRed), "", ""}
	Info      = Formatter{color.New(color.FgCyan), "", ""}
	Highlight = Formatter{color.New(color.FgCyan), "'", "'"}
	Code      = Formatter{color.New(color.FgYellow), "`", "`"}
	Muted     = Formatter{color.New(color.FgHiBlack), "(", ")"}
)
