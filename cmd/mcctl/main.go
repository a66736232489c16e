// mcctl talks to a memcached cluster through the memcache client.
//
// Usage:
//
//	mcctl [global flags] <command> [args]
//
// Global flags:
//
//	-s, --servers     comma-separated host[:port[:weight]] list
//	-c, --config      JSONC cluster config file
//	    --cluster     cluster name in the config file (default: its fallback)
//	-n, --namespace   key namespace
//	-t, --timeout     per-command timeout (default 5s)
//	    --strict      report read failures instead of treating keys as missing
//
// Commands:
//
//	get <key>... [--out file]        Print values
//	set <key> <value> [--ttl d]      Store a value
//	add <key> <value> [--ttl d]      Store only if absent
//	delete <key>                     Remove a key
//	incr|decr <key> [delta]          Adjust a counter
//	flush [--delay d] [--interval d] Invalidate every node
//	stats [--field f] [--out file]   Per-node statistics
//	ping                             Version and state of each node
//	shell                            Interactive prompt
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/unkn0wn-root/memcache"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalOpts struct {
	servers   string
	config    string
	cluster   string
	namespace string
	timeout   time.Duration
	strict    bool
}

func run(args []string) error {
	fs := flag.NewFlagSet("mcctl", flag.ContinueOnError)
	fs.SetInterspersed(false)
	var g globalOpts
	fs.StringVarP(&g.servers, "servers", "s", envOr("MCCTL_SERVERS", "127.0.0.1:11211"), "comma-separated server list")
	fs.StringVarP(&g.config, "config", "c", os.Getenv("MCCTL_CONFIG"), "JSONC cluster config file")
	fs.StringVar(&g.cluster, "cluster", "", "cluster name in the config file")
	fs.StringVarP(&g.namespace, "namespace", "n", "", "key namespace")
	fs.DurationVarP(&g.timeout, "timeout", "t", 5*time.Second, "per-command timeout")
	fs.BoolVar(&g.strict, "strict", false, "report read failures")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	client, err := connect(g)
	if err != nil {
		return err
	}
	defer client.Close()

	rest := fs.Args()
	if rest[0] == "shell" {
		return newShell(client, g.timeout, os.Stdout).Run()
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	return execute(ctx, client, os.Stdout, rest)
}

func connect(g globalOpts) (*memcache.Client, error) {
	base := memcache.Default()
	base.StrictReads = g.strict

	if g.config != "" {
		fc, err := memcache.LoadFile(g.config)
		if err != nil {
			return nil, err
		}
		name := g.cluster
		if name == "" {
			name = fc.Fallback
		}
		if name == "" {
			return nil, fmt.Errorf("%s: no --cluster given and no fallback set", g.config)
		}
		c, err := fc.Client(name, base)
		if err != nil {
			return nil, err
		}
		log.Printf("[info] using cluster %q from %s", name, g.config)
		if g.namespace != "" {
			c = c.WithNamespace(g.namespace)
		}
		return c, nil
	}

	base.Servers = splitCSV(g.servers)
	base.Namespace = g.namespace
	return memcache.New(base)
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
