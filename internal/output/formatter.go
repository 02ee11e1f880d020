package output

import (
	"encoding/json"
	"io"
	"os"
)

// Formatter writes human-readable CLI output to an underlying writer. It
// pairs with the package-level JSON-mode switch below so every client
// subcommand can support both a plain and a --json rendering from the same
// call site.
type Formatter struct {
	writer io.Writer
	json   bool
}

// New creates a Formatter writing to w.
func New(w io.Writer) *Formatter {
	return &Formatter{writer: w}
}

// Default returns a Formatter writing to stdout.
func Default() *Formatter {
	return New(os.Stdout)
}

// SetJSON toggles whether this Formatter should prefer JSON rendering.
func (f *Formatter) SetJSON(enabled bool) {
	f.json = enabled
}

// JSON reports whether this Formatter is in JSON mode.
func (f *Formatter) JSON() bool {
	return f.json
}

// PrintJSON marshals v as indented JSON and writes it followed by a
// newline. Callers should check JSON() before choosing between this and
// the plain-text Print* methods.
func (f *Formatter) PrintJSON(v interface{}) error {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
