// Package console is the interactive front end of the staging workflow: a
// command loop that walks a session through its steps.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/verdantlab/plantstage/internal/archive"
	"github.com/verdantlab/plantstage/internal/imagefetch"
	"github.com/verdantlab/plantstage/internal/workflow"
)

type Console struct {
	in       io.Reader
	out      io.Writer
	err      io.Writer
	session  *workflow.Session
	fetcher  *imagefetch.Fetcher
	store    *archive.Store // nil when archiving is unavailable
	commands map[string]Command
	running  bool
}

type Config struct {
	In      io.Reader
	Out     io.Writer
	Err     io.Writer
	Session *workflow.Session
	Fetcher *imagefetch.Fetcher
	Store   *archive.Store
}

func New(cfg *Config) *Console {
	c := &Console{
		in:       cfg.In,
		out:      cfg.Out,
		err:      cfg.Err,
		session:  cfg.Session,
		fetcher:  cfg.Fetcher,
		store:    cfg.Store,
		commands: make(map[string]Command),
	}
	c.registerCommands()
	return c
}

func (c *Console) Run(ctx context.Context) error {
	c.running = true
	c.printWelcome()

	scanner := bufio.NewScanner(c.in)
	for c.running {
		c.printPrompt()
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := c.execute(ctx, line); err != nil {
			fmt.Fprintf(c.err, "Error: %v\n", err)
		}
	}

	return scanner.Err()
}

func (c *Console) execute(ctx context.Context, line string) error {
	parts := parseCommand(line)
	if len(parts) == 0 {
		return nil
	}

	cmdName := strings.ToLower(parts[0])
	args := parts[1:]

	cmd, ok := c.commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s (type 'help' for available commands)", cmdName)
	}

	return cmd.Execute(ctx, c, args)
}

func (c *Console) Stop() {
	c.running = false
}

func (c *Console) printWelcome() {
	fmt.Fprintln(c.out, "plantstage interactive staging")
	fmt.Fprintln(c.out, "Type 'help' for available commands, 'quit' to exit.")
	fmt.Fprintln(c.out)
}

func (c *Console) printPrompt() {
	fmt.Fprintf(c.out, "plantstage [%s] %s> ", c.session.Model(), c.session.Step())
}

// parseCommand splits a line on spaces, honoring single and double quotes so
// product names and scene text can contain spaces.
func parseCommand(line string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case ch == '"' || ch == '\'':
			if inQuotes && ch == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else if !inQuotes {
				inQuotes = true
				quoteChar = ch
			} else {
				current.WriteRune(ch)
			}
		case ch == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}
