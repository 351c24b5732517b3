package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/joncooperworks/authplugin/client"
	"github.com/joncooperworks/authplugin/wire"
)

// maxAttempts bounds how often a rejected password is asked for again.
const maxAttempts = 3

// prompter reads answers from the terminal, or line by line from a pipe.
type prompter struct {
	in  io.Reader
	out io.Writer
	br  *bufio.Reader
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, out: out, br: bufio.NewReader(in)}
}

func (p *prompter) terminal() (int, bool) {
	f, ok := p.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}
	return int(f.Fd()), true
}

func (p *prompter) line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	s, err := p.br.ReadString('\n')
	if err != nil && (s == "" || !errors.Is(err, io.EOF)) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(s, "\r\n"), nil
}

func (p *prompter) secret(prompt string) (string, error) {
	fd, ok := p.terminal()
	if !ok {
		return p.line(prompt)
	}
	fmt.Fprint(p.out, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// unlock authenticates c in whatever mode the plugin asks for.
func unlock(ctx context.Context, c *client.Client, p *prompter) error {
	mode, value, err := c.AuthnMode(ctx)
	if err != nil {
		return err
	}
	show := func() {
		if value != nil {
			fmt.Fprintln(p.out, *value)
		}
	}

	for attempt := 1; ; attempt++ {
		var answer *string
		switch mode {
		case wire.AuthnAutomatic:
		case wire.AuthnPassword:
			show()
			pw, err := p.secret("Password: ")
			if err != nil {
				return err
			}
			answer = &pw
		case wire.AuthnURL:
			fmt.Fprintln(p.out, "Open this URL to unlock the plugin:")
			show()
			if _, err := p.line("Press Enter when done. "); err != nil {
				return err
			}
		case wire.AuthnMessage, wire.AuthnWindow:
			show()
			if _, err := p.line("Press Enter when the plugin has been unlocked. "); err != nil {
				return err
			}
		default:
			return fmt.Errorf("plugin asked for unknown authentication mode %q", mode)
		}

		var integrated *wire.AuthnMode
		if mode != wire.AuthnAutomatic {
			integrated = mode.Ptr()
		}
		err := c.Authenticate(ctx, integrated, answer)
		var werr *wire.Error
		if err == nil || !errors.As(err, &werr) || attempt >= maxAttempts {
			return err
		}
		switch werr.Kind {
		case wire.KindBadAuthn:
			fmt.Fprintf(p.out, "Authentication failed: %s\n", werr.MessageOr("try again"))
		case wire.KindBadMode:
			// the plugin changed its mind; ask again
			if mode, value, err = c.AuthnMode(ctx); err != nil {
				return err
			}
		default:
			return err
		}
	}
}
