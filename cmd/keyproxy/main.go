// Package main is the entry point for the keyproxy editor backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dshills/keyproxy/internal/config"
	"github.com/dshills/keyproxy/internal/logging"
	"github.com/dshills/keyproxy/internal/proxy"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("keyproxy", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	showVersion := fs.BoolP("version", "v", false, "Show version information")
	showHelp := fs.BoolP("help", "h", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "keyproxy: %v\n", err)
		fmt.Fprintf(stderr, "Run 'keyproxy --help' for usage.\n")
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "keyproxy: unexpected argument %q\n", fs.Arg(0))
		fmt.Fprintf(stderr, "Run 'keyproxy --help' for usage.\n")
		return 1
	}

	if *showHelp {
		usage(stdout, fs)
		return 0
	}
	if *showVersion {
		fmt.Fprintf(stdout, "keyproxy %s\n", version)
		fmt.Fprintf(stdout, "Commit: %s\n", commit)
		fmt.Fprintf(stdout, "Built: %s\n", date)
		return 0
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		fmt.Fprintf(stderr, "keyproxy: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: stderr,
		Prefix: logging.DefaultPrefix,
	})
	if err != nil {
		fmt.Fprintf(stderr, "keyproxy: %v\n", err)
		return 1
	}

	p := proxy.New(stdin, stdout, proxy.ConfigFrom(cfg), proxy.WithLogger(logger))
	if err := p.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("proxy stopped", "err", err)
		return 1
	}
	return 0
}

func usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "keyproxy - editor backend proxy\n\n")
	fmt.Fprintf(w, "Usage: keyproxy [options]\n\n")
	fmt.Fprintf(w, "With no options, keyproxy serves the front-end protocol on stdin and\n")
	fmt.Fprintf(w, "stdout until stdin is closed.\n\n")
	fmt.Fprintf(w, "Options:\n")
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintf(w, "\nEnvironment:\n")
	fmt.Fprintf(w, "  KEYPROXY_CONFIG       configuration file (default %s)\n", config.DefaultPath())
	fmt.Fprintf(w, "  KEYPROXY_LOG_LEVEL    debug, info, warn or error\n")
	fmt.Fprintf(w, "  KEYPROXY_LOG_FORMAT   text, json or logfmt\n")
	fmt.Fprintf(w, "  KEYPROXY_FRAMING      line or header\n")
	fmt.Fprintf(w, "  KEYPROXY_WORKERS      concurrent front-end handlers\n")
	fmt.Fprintf(w, "  KEYPROXY_PLUGIN_DIRS  plugin search paths, separated by %q\n", string(os.PathListSeparator))
	fmt.Fprintf(w, "  KEYPROXY_PLUGIN_WATCH reload plugins when their directories change\n")
}
