// memtest-node serves the in-process memcached test node on a TCP port so
// the client and mcctl can be tried without a real memcached.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/unkn0wn-root/memcache/internal/memtest"
)

func main() {
	var (
		bind    = flag.StringP("bind", "b", "127.0.0.1:11211", "listen address")
		maxItem = flag.Int("max-item", memtest.DefaultMaxItemSize, "largest value accepted, in bytes")
		verbose = flag.BoolP("verbose", "v", false, "log connection errors")
	)
	flag.Parse()

	opts := memtest.Options{Addr: *bind, MaxItemSize: *maxItem}
	if *verbose {
		opts.Logf = memtest.Logger(log.Default())
	}

	srv, err := memtest.Start(opts)
	if err != nil {
		log.Fatalf("start: %v", err)
	}
	if *maxItem > 1<<20 {
		log.Printf("[warn] max-item=%d is above the usual memcached limit; segmentation thresholds tested here will not match production", *maxItem)
	}
	log.Printf("[info] memtest node up at %s (max item %d bytes)", srv.Addr(), *maxItem)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down...")
	_ = srv.Close()
	log.Printf("[info] served %d connections", srv.Accepted())
	log.Println("bye.")
}
