// Package setup implements the interactive first-run wizard that writes the
// ecotrack config file.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// errNoInput is returned by prompts that have no sensible default at EOF.
var errNoInput = errors.New("no input")

// Prompter reads answers line by line from r and writes prompts to w.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter creates a Prompter. The wizard passes os.Stdin and os.Stdout.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(r), out: w}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// answer prints the prompt and returns the trimmed reply. ok is false at
// end of input with nothing typed.
func (p *Prompter) answer(prompt string) (reply string, ok bool) {
	p.printf("  %s: ", prompt)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), true
}

// String asks for a text value. An empty reply takes defaultVal; with no
// default the question repeats until answered. At end of input defaultVal
// is returned as is.
func (p *Prompter) String(label, defaultVal string) string {
	prompt := label
	if defaultVal != "" {
		prompt = fmt.Sprintf("%s [%s]", label, defaultVal)
	}
	for {
		reply, ok := p.answer(prompt)
		switch {
		case !ok:
			return defaultVal
		case reply != "":
			return reply
		case defaultVal != "":
			return defaultVal
		}
		p.printf("  (required, please enter a value)\n")
	}
}

// Optional asks for a value that may be left empty.
func (p *Prompter) Optional(label string) string {
	reply, _ := p.answer(label)
	return reply
}

// Confirm asks a yes/no question; an empty reply or end of input takes
// defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	reply, ok := p.answer(fmt.Sprintf("%s [%s]", label, hint))
	if !ok || reply == "" {
		return defaultYes
	}
	switch strings.ToLower(reply) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Int asks for a non-negative whole number, repeating on invalid input.
func (p *Prompter) Int(label string, defaultVal int64) int64 {
	for {
		reply, ok := p.answer(fmt.Sprintf("%s [%d]", label, defaultVal))
		if !ok || reply == "" {
			return defaultVal
		}
		if n, err := strconv.ParseInt(reply, 10, 64); err == nil && n >= 0 {
			return n
		}
		p.printf("  (enter a whole number, 0 or more)\n")
	}
}

// Select lists options and returns the zero-based index of the one picked.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}

	p.printf("  %s:\n", label)
	for i, opt := range options {
		p.printf("    %d) %s\n", i+1, opt)
	}
	for {
		reply, ok := p.answer(fmt.Sprintf("Choice [1-%d]", len(options)))
		if !ok {
			return -1, errNoInput
		}
		if n, err := strconv.Atoi(reply); err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.printf("  (enter a number between 1 and %d)\n", len(options))
	}
}
