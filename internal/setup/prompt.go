// Package setup implements the interactive first-run wizard that creates a
// pimsync configuration for one DAV account.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prompter asks questions on a line-oriented terminal. Tests feed it a
// strings.Reader.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter reading answers from r and writing
// questions to w.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// line reads the next trimmed answer. It fails with io.ErrUnexpectedEOF when
// input ends.
func (p *Prompter) line() (string, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimSpace(p.scanner.Text()), nil
}

// Text asks for a value. Enter alone accepts def; with an empty def the
// question repeats until something is typed.
func (p *Prompter) Text(label, def string) (string, error) {
	for {
		if def != "" {
			fmt.Fprintf(p.w, "  %s [%s]: ", label, def)
		} else {
			fmt.Fprintf(p.w, "  %s: ", label)
		}
		val, err := p.line()
		if err != nil {
			return "", err
		}
		switch {
		case val != "":
			return val, nil
		case def != "":
			return def, nil
		}
		fmt.Fprintf(p.w, "  (a value is required)\n")
	}
}

// Confirm asks a yes/no question. End of input answers with the default.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	fmt.Fprintf(p.w, "  %s %s: ", label, hint)

	answer, err := p.line()
	if err != nil || answer == "" {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// Choose lists options and returns the zero-based index picked. Enter alone
// picks def.
func (p *Prompter) Choose(label string, options []string, def int) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to choose from")
	}
	p.list(label, options)
	for {
		fmt.Fprintf(p.w, "  Choice [%d]: ", def+1)
		val, err := p.line()
		if err != nil {
			return -1, err
		}
		if val == "" {
			return def, nil
		}
		n, err := strconv.Atoi(val)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		fmt.Fprintf(p.w, "  (enter a number between 1 and %d)\n", len(options))
	}
}

// ChooseMany lists options and returns the zero-based indices picked from a
// comma-separated answer such as "1,3". Enter alone picks every option.
func (p *Prompter) ChooseMany(label string, options []string) ([]int, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("no options to choose from")
	}
	p.list(label, options)
	for {
		fmt.Fprintf(p.w, "  Choices (comma-separated, Enter for all): ")
		val, err := p.line()
		if err != nil {
			return nil, err
		}
		if val == "" {
			all := make([]int, len(options))
			for i := range all {
				all[i] = i
			}
			return all, nil
		}
		if picked, ok := parseIndices(val, len(options)); ok {
			return picked, nil
		}
		fmt.Fprintf(p.w, "  (enter numbers between 1 and %d, separated by commas)\n", len(options))
	}
}

func (p *Prompter) list(label string, options []string) {
	fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}
}

// parseIndices parses "1, 3" into [0 2], dropping duplicates.
func parseIndices(s string, n int) ([]int, bool) {
	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(s, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || i < 1 || i > n {
			return nil, false
		}
		if !seen[i] {
			seen[i] = true
			out = append(out, i-1)
		}
	}
	return out, len(out) > 0
}
