package cli

import (
	"fmt"

	"github.com/fatih/color"
)

// formatter colours one kind of output. With colours disabled (NO_COLOR,
// no TTY) it falls back to plain decorations.
type formatter struct {
	color          *color.Color
	prefix, suffix string
}

func (f formatter) Sprint(a ...interface{}) string {
	text := fmt.Sprint(a...)
	if color.NoColor {
		return f.prefix + text + f.suffix
	}
	return f.color.Sprint(text)
}

var (
	success   = formatter{color: color.New(color.FgGreen)}
	failure   = formatter{color: color.New(color.FgRed, color.Bold)}
	warning   = formatter{color: color.New(color.FgYellow)}
	muted     = formatter{color: color.New(color.Faint), prefix: "(", suffix: ")"}
	highlight = formatter{color: color.New(color.FgCyan), prefix: "'", suffix: "'"}
)
