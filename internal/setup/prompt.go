// Package setup implements the interactive first-run wizard that writes the
// offlinesync config and optionally installs the daemon as a user service.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Prompter asks questions on w and reads answers from r, one line each.
// Every prompt falls back to its default once input is exhausted, so a
// closed stdin never loops.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// ask prints the prompt and returns the trimmed answer. ok is false at end
// of input.
func (p *Prompter) ask(format string, args ...any) (answer string, ok bool) {
	_, _ = fmt.Fprintf(p.w, "  "+format, args...)
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

func (p *Prompter) hint(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, "  ("+format+")\n", args...)
}

// String prompts for a text value. Enter returns defaultVal; with an empty
// defaultVal the value is required.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		var val string
		var ok bool
		if defaultVal != "" {
			val, ok = p.ask("%s [%s]: ", label, defaultVal)
		} else {
			val, ok = p.ask("%s: ", label)
		}
		switch {
		case !ok:
			return defaultVal
		case val != "":
			return val
		case defaultVal != "":
			return defaultVal
		}
		p.hint("required, please enter a value")
	}
}

// Secret prompts for a sensitive value such as a session token. The input is
// echoed. An empty answer is returned as "" so callers can treat the value as
// optional.
func (p *Prompter) Secret(label string) string {
	val, _ := p.ask("%s (leave empty to skip): ", label)
	return val
}

// Confirm asks a yes/no question; Enter picks defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	answer, ok := p.ask("%s %s: ", label, hint)
	if !ok || answer == "" {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// Duration prompts for a Go duration such as "45s" within [lo, hi]. Enter
// returns def; anything else out of range asks again.
func (p *Prompter) Duration(label string, def, lo, hi time.Duration) time.Duration {
	for {
		val, ok := p.ask("%s (%v-%v) [%v]: ", label, lo, hi, def)
		if !ok || val == "" {
			return def
		}
		d, err := time.ParseDuration(val)
		if err == nil && d >= lo && d <= hi {
			return d
		}
		p.hint("enter a duration between %v and %v, e.g. 45s", lo, hi)
	}
}

// Select presents a numbered list and returns the zero-based index picked.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}

	for {
		val, ok := p.ask("Choice [1-%d]: ", len(options))
		if !ok {
			return -1, fmt.Errorf("no input")
		}
		n, err := strconv.Atoi(val)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.hint("enter a number between 1 and %d", len(options))
	}
}
