package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/unkn0wn-root/memcache"
)

// shell is the interactive command loop.
type shell struct {
	client  *memcache.Client
	timeout time.Duration
	out     io.Writer
	liner   *liner.State
}

func newShell(c *memcache.Client, timeout time.Duration, out io.Writer) *shell {
	return &shell{client: c, timeout: timeout, out: out}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mcctl_history")
}

// Run reads commands until exit or EOF.
func (s *shell) Run() error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(complete)

	if f, err := os.Open(historyFile()); err == nil {
		s.liner.ReadHistory(f)
		f.Close()
	}
	defer s.saveHistory()

	fmt.Fprintf(s.out, "mcctl - %d node(s), namespace %q\n", len(s.client.Nodes()), s.client.Namespace())
	fmt.Fprintln(s.out, "Type 'help' for available commands.")

	for {
		line, err := s.liner.Prompt(s.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out, "\nBye!")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.liner.AppendHistory(line)

		if done := s.handle(line); done {
			fmt.Fprintln(s.out, "Bye!")
			return nil
		}
	}
}

func (s *shell) prompt() string {
	if ns := s.client.Namespace(); ns != "" {
		return "mcctl(" + ns + ")> "
	}
	return "mcctl> "
}

// handle runs one line and reports whether the shell should exit.
func (s *shell) handle(line string) bool {
	args := strings.Fields(line)
	switch strings.ToLower(args[0]) {
	case "exit", "quit", "q":
		return true
	case "use":
		// switch namespace without reconnecting
		ns := ""
		if len(args) > 1 {
			ns = args[1]
		}
		s.client = s.client.WithNamespace(ns)
		return false
	case "reset":
		s.client.Reset()
		fmt.Fprintln(s.out, "OK")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := execute(ctx, s.client, s.out, args); err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return false
}

func (s *shell) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			s.liner.WriteHistory(f)
			f.Close()
		}
	}
}

// complete offers command names for the first word.
func complete(line string) []string {
	if strings.Contains(line, " ") {
		return nil
	}
	names := []string{"exit", "quit", "use", "reset"}
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, strings.ToLower(line)) {
			out = append(out, n)
		}
	}
	return out
}
