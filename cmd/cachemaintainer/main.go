// Command cachemaintainer runs (or diagnostically drives) the module cache
// maintenance worker against a real cache directory.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cachekeeper/worker/internal/cacheconfig"
	"github.com/cachekeeper/worker/internal/maintain"
	"github.com/cachekeeper/worker/internal/worker"
	"github.com/cachekeeper/worker/pkg/fs"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("cachemaintainer", flag.ContinueOnError)

	dir := flags.StringP("dir", "d", "", "cache root directory (required)")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	simulateGet := flags.String("simulate-get", "", "drive a single on_get event synchronously for this artifact path and exit")
	simulateUpdate := flags.String("simulate-update", "", "drive a single on_update event synchronously for this artifact path and exit")
	daemon := flags.Bool("daemon", false, "initialize the background worker and block forever")
	showGlobalConfigPath := flags.Bool("show-global-config-path", false, "print the user-wide config override path and exit")

	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *showGlobalConfigPath {
		fmt.Println(cacheconfig.GlobalConfigPath(os.Environ()))

		return 0
	}

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "cachemaintainer: --dir is required")

		return 2
	}

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cachemaintainer: failed to build logger:", err)

		return 1
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := cacheconfig.Load(*dir)
	if err != nil {
		log.Error("failed to load configuration", zap.Error(err))

		return 1
	}

	realFS := fs.NewReal()

	switch {
	case *simulateGet != "":
		maintain.OnCacheGet(realFS, *simulateGet, cfg, log)

		return 0

	case *simulateUpdate != "":
		maintain.OnCacheUpdate(realFS, *simulateUpdate, cfg, log)

		return 0

	case *daemon:
		worker.Init(realFS, cfg, log)

		log.Info("cache maintenance worker started", zap.String("directory", cfg.Directory()))

		select {}

	default:
		fmt.Fprintln(os.Stderr, "cachemaintainer: one of --daemon, --simulate-get, or --simulate-update is required")

		return 2
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.DisableStacktrace = true

	return cfg.Build()
}
