package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"airbcm/internal/iso"

	"golang.org/x/term"
)

// termPrompter asks the deploy questions on a terminal. Passwords are read
// without echo when stdin is a TTY.
type termPrompter struct {
	in  *bufio.Reader
	fd  int
	tty bool
	out io.Writer
}

func newTermPrompter(in *os.File, out io.Writer) *termPrompter {
	fd := int(in.Fd())
	return &termPrompter{in: bufio.NewReader(in), fd: fd, tty: term.IsTerminal(fd), out: out}
}

func (p *termPrompter) line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func (p *termPrompter) SelectVersion(cat iso.Catalog) (iso.Image, error) {
	imgs := cat.All()
	if len(imgs) == 1 {
		return imgs[0], nil
	}
	fmt.Fprintln(p.out, "\nAvailable BCM ISOs:")
	for i, img := range imgs {
		fmt.Fprintf(p.out, "  %d) BCM %s  %s (%s)\n", i+1, img.Version, img.Filename(), img.HumanSize())
	}
	def, err := iso.Default(cat)
	if err != nil {
		return iso.Image{}, err
	}
	for {
		answer, err := p.line(fmt.Sprintf("Select BCM version [%s]: ", def.Version))
		if err != nil {
			return iso.Image{}, err
		}
		if answer == "" {
			return def, nil
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(imgs) {
			return imgs[n-1], nil
		}
		if img, err := iso.Resolve(cat, answer); err == nil {
			return img, nil
		}
		fmt.Fprintf(p.out, "  Enter 1-%d or a version\n", len(imgs))
	}
}

func (p *termPrompter) Password(def string) (string, error) {
	prompt := fmt.Sprintf("Password for root and the BCM admin [%s]: ", def)
	if !p.tty {
		return p.line(prompt)
	}
	fmt.Fprint(p.out, prompt)
	pw, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(pw)), nil
}

func (p *termPrompter) SimulationName(def string) (string, error) {
	return p.line(fmt.Sprintf("Simulation name [%s]: ", def))
}

func (p *termPrompter) ChooseHeadNode(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return p.line("Could not detect the BCM node. Enter its hostname: ")
	}
	fmt.Fprintf(p.out, "Possible BCM nodes: %s\n", strings.Join(candidates, ", "))
	answer, err := p.line(fmt.Sprintf("BCM node hostname [%s]: ", candidates[0]))
	if err != nil || answer != "" {
		return answer, err
	}
	return candidates[0], nil
}

func (p *termPrompter) Confirm(question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	answer, err := p.line(question + " " + hint + " ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
