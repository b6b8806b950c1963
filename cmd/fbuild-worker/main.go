// Command fbuild-worker runs a remote build server: it advertises itself
// in the brokerage directory and answers incoming job-dispatch requests
// from fbuild clients (spec.md §4.8, §6 "Process abstraction"). Grounded
// on cmd/distri/builder.go's daemon shape (a -listen flag, serve until
// Ctrl-C) -- not its gRPC internals, which this repository replaces with
// internal/dist's length-prefixed framing over internal/netpool (see
// DESIGN.md for why google.golang.org/grpc stays a dropped dependency).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	fbuild "github.com/fastbuild/fbuild"
	"github.com/fastbuild/fbuild/internal/brokerage"
	"github.com/fastbuild/fbuild/internal/dist"
)

var (
	listenAddr = flag.String("listen", ":2389", "[host]:port to accept job-dispatch connections on")
	hostname   = flag.String("hostname", "", "hostname to advertise in the brokerage directory (default: os.Hostname())")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)

	root := os.Getenv("FASTBUILD_BROKERAGE_PATH")
	if root == "" {
		log.Fatal("fbuild-worker: FASTBUILD_BROKERAGE_PATH is not set")
	}
	host := *hostname
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			log.Fatalf("fbuild-worker: %v", err)
		}
		host = h
	}

	b := brokerage.New(root, strconv.Itoa(fbuild.ProtocolVersion), runtime.GOOS)
	w := dist.NewWorker(b, host)

	ctx, canc := interruptibleContext()
	defer canc()

	stop, err := w.Serve(ctx, *listenAddr)
	if err != nil {
		log.Fatalf("fbuild-worker: %v", err)
	}
	defer stop()

	fmt.Fprintf(os.Stderr, "fbuild-worker: listening on %s, advertised as %q\n", *listenAddr, host)
	<-ctx.Done()
}

func interruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
