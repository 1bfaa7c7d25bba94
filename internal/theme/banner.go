package theme

import (
	"fmt"
	"io"
)

const (
	cyan    = "\033[36m"
	magenta = "\033[35m"
	reset   = "\033[0m"
)

// Banner returns the startup banner.
func Banner() string {
	return "" +
		cyan + "  ~~~≈≈≈ " + reset + magenta + "DRIFTWIRE" + reset + cyan + " ≈≈≈~~~\n" + reset +
		"  local-first sync for your social feed\n"
}

// FprintBanner prints the banner to w.
func FprintBanner(w io.Writer) { fmt.Fprint(w, Banner()) }

// Status colours a sync state for terminal output.
func Status(state string) string {
	switch state {
	case "done":
		return cyan + state + reset
	case "failed":
		return magenta + state + reset
	}
	return state
}
