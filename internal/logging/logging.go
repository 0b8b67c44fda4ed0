// Package logging sets up cmrun's terminal output: a logrus logger for
// structured decoder output (and host-side diagnostics), and a dimmed
// horizontal rule that precedes the firmware's own output. Terminal
// detection uses golang.org/x/term, the same package wut4's emul command
// uses to drive its own raw-mode/IsTerminal checks; mattn/go-colorable
// handles stripping ANSI codes on terminals that can't render them.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// ruleWidth is the fixed width of the dimmed rule printed before firmware
// output starts.
const ruleWidth = 80

// New builds a logger whose level is controlled by verbosity (0 = Warn,
// 1 = Info, 2+ = Debug), writing to a colorable stderr so ANSI codes are
// stripped automatically on terminals that don't support them (notably
// legacy Windows consoles).
func New(verbosity int) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(colorable.NewColorableStderr())
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		ForceColors:      term.IsTerminal(int(os.Stderr.Fd())),
	})

	switch {
	case verbosity >= 2:
		logger.SetLevel(logrus.DebugLevel)
	case verbosity == 1:
		logger.SetLevel(logrus.InfoLevel)
	default:
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

// DimHR writes an 80-character horizontal rule to out, dimmed when out is
// a terminal that supports ANSI escapes.
func DimHR(out io.Writer, isTerminal bool) {
	rule := strings.Repeat("─", ruleWidth)
	if isTerminal {
		fmt.Fprintf(out, "\x1b[2m%s\x1b[0m\n", rule)
	} else {
		fmt.Fprintln(out, rule)
	}
}

// IsTerminal reports whether f is attached to a terminal, used to decide
// whether DimHR and ForceColors should apply ANSI escapes.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
