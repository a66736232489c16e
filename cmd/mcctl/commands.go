package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/unkn0wn-root/memcache"
)

type command struct {
	usage string
	short string
	exec  func(ctx context.Context, c *memcache.Client, w io.Writer, args []string) error
}

var commands map[string]*command

func init() {
	commands = map[string]*command{
		"get":    {"get <key>... [--out file]", "print values", cmdGet},
		"set":    {"set <key> <value> [--ttl d]", "store a value", storeCmd(memcache.ModeSet)},
		"add":    {"add <key> <value> [--ttl d]", "store only if absent", storeCmd(memcache.ModeAdd)},
		"delete": {"delete <key>", "remove a key", cmdDelete},
		"incr":   {"incr <key> [delta]", "increment a counter", counterCmd(true)},
		"decr":   {"decr <key> [delta]", "decrement a counter", counterCmd(false)},
		"flush":  {"flush [--delay d] [--interval d]", "invalidate every node", cmdFlush},
		"stats":  {"stats [--field f] [--out file]", "per-node statistics", cmdStats},
		"ping":   {"ping", "version and state of each node", cmdPing},
		"help":   {"help", "list commands", cmdHelp},
	}
}

// execute runs one command line against c.
func execute(ctx context.Context, c *memcache.Client, w io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	cmd, ok := commands[strings.ToLower(args[0])]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", args[0])
	}
	return cmd.exec(ctx, c, w, args[1:])
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func cmdGet(ctx context.Context, c *memcache.Client, w io.Writer, args []string) error {
	fs := newFlags("get")
	out := fs.StringP("out", "o", "", "write the value to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	keys := fs.Args()
	if len(keys) == 0 {
		return errors.New("usage: get <key>...")
	}
	if *out != "" && len(keys) != 1 {
		return errors.New("--out takes exactly one key")
	}

	items, err := c.GetMulti(ctx, keys)
	if err != nil {
		return err
	}
	if *out != "" {
		it, ok := items[keys[0]]
		if !ok {
			return fmt.Errorf("%s: not found", keys[0])
		}
		return atomic.WriteFile(*out, bytes.NewReader(it.Value))
	}
	for _, k := range keys {
		it, ok := items[k]
		if !ok {
			fmt.Fprintf(w, "%s: (miss)\n", k)
			continue
		}
		fmt.Fprintf(w, "%s: %s (flags=%d)\n", k, it.Value, it.Flags)
	}
	return nil
}

func storeCmd(mode memcache.StoreMode) func(context.Context, *memcache.Client, io.Writer, []string) error {
	return func(ctx context.Context, c *memcache.Client, w io.Writer, args []string) error {
		fs := newFlags(mode.String())
		ttl := fs.Duration("ttl", 0, "expiry; 0 uses the client default")
		flags := fs.Uint32("flags", 0, "client flags")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return fmt.Errorf("usage: %s <key> <value>", mode)
		}
		key, value := fs.Arg(0), []byte(fs.Arg(1))
		opts := memcache.SetOptions{Expiry: *ttl, Flags: *flags}

		if mode == memcache.ModeAdd {
			ok, err := c.Add(ctx, key, value, opts)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(w, memcache.NotStored)
				return nil
			}
		} else if err := c.Set(ctx, key, value, opts); err != nil {
			return err
		}
		fmt.Fprintln(w, memcache.Stored)
		return nil
	}
}

func cmdDelete(ctx context.Context, c *memcache.Client, w io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: delete <key>")
	}
	ok, err := c.Delete(ctx, args[0])
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(w, "DELETED")
	} else {
		fmt.Fprintln(w, memcache.NotFound)
	}
	return nil
}

func counterCmd(incr bool) func(context.Context, *memcache.Client, io.Writer, []string) error {
	return func(ctx context.Context, c *memcache.Client, w io.Writer, args []string) error {
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: incr|decr <key> [delta]")
		}
		delta := uint64(1)
		if len(args) == 2 {
			d, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad delta %q", args[1])
			}
			delta = d
		}

		var (
			v     uint64
			found bool
			err   error
		)
		if incr {
			v, found, err = c.Incr(ctx, args[0], delta)
		} else {
			v, found, err = c.Decr(ctx, args[0], delta)
		}
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(w, memcache.NotFound)
			return nil
		}
		fmt.Fprintln(w, v)
		return nil
	}
}

func cmdFlush(ctx context.Context, c *memcache.Client, w io.Writer, args []string) error {
	fs := newFlags("flush")
	delay := fs.Duration("delay", 0, "delay before the first node flushes")
	interval := fs.Duration("interval", 0, "extra delay per subsequent node")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.FlushAll(ctx, memcache.FlushOptions{Delay: *delay, Interval: *interval}); err != nil {
		return err
	}
	fmt.Fprintln(w, "OK")
	return nil
}

func cmdStats(ctx context.Context, c *memcache.Client, w io.Writer, args []string) error {
	fs := newFlags("stats")
	field := fs.StringP("field", "f", "", "print only this stat")
	out := fs.StringP("out", "o", "", "write the report to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	all, err := c.Stats(ctx)
	if err != nil && len(all) == 0 {
		return err
	}

	var buf bytes.Buffer
	for _, n := range c.Nodes() {
		st, ok := all[n.Name()]
		if !ok {
			fmt.Fprintf(&buf, "%s: unavailable (%s)\n", n.Name(), n.Status())
			continue
		}
		if *field != "" {
			fmt.Fprintf(&buf, "%s %s %s\n", n.Name(), *field, st.String(*field))
			continue
		}
		names := make([]string, 0, len(st))
		for k := range st {
			names = append(names, k)
		}
		sort.Strings(names)
		fmt.Fprintf(&buf, "%s:\n", n.Name())
		for _, k := range names {
			fmt.Fprintf(&buf, "  %-24s %s\n", k, st.String(k))
		}
	}

	if *out != "" {
		if werr := atomic.WriteFile(*out, &buf); werr != nil {
			return werr
		}
		return err
	}
	_, werr := w.Write(buf.Bytes())
	return errors.Join(err, werr)
}

func cmdPing(ctx context.Context, c *memcache.Client, w io.Writer, _ []string) error {
	var errs []error
	for _, n := range c.Nodes() {
		start := time.Now()
		v, err := n.Version(ctx)
		if err != nil {
			fmt.Fprintf(w, "%-24s %s\n", n.Name(), n.Status())
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(w, "%-24s version %s in %s\n", n.Name(), v, time.Since(start).Round(time.Microsecond))
	}
	return errors.Join(errs...)
}

func cmdHelp(_ context.Context, _ *memcache.Client, w io.Writer, _ []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-34s %s\n", commands[name].usage, commands[name].short)
	}
	return nil
}
