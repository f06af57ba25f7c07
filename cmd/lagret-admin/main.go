// Package main is the entry point for lagret-admin, the object store
// maintenance tool: raw puts and listings, index export, and archive
// verification.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lagret/lagret/internal/config"
	"github.com/lagret/lagret/internal/index"
	"github.com/lagret/lagret/internal/logging"
	"github.com/lagret/lagret/internal/registry"
	"github.com/lagret/lagret/internal/serialization"
	"github.com/lagret/lagret/internal/storage"
)

const usage = "Usage: lagret-admin <put|ls|export|verify> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc int
	switch command := os.Args[1]; command {
	case "put":
		rc = runPut(ctx, os.Args[2:])
	case "ls":
		rc = runList(ctx, os.Args[2:])
	case "export":
		rc = runExport(ctx, os.Args[2:])
	case "verify":
		rc = runVerify(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		rc = 1
	}
	stop()
	os.Exit(rc)
}

// storeFlags are shared by every command.
type storeFlags struct {
	configPath string
	backend    string
	logLevel   string
}

func newFlagSet(name string, sf *storeFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&sf.configPath, "config", "c", "lagret.yaml", "Config file path")
	fs.StringVar(&sf.backend, "backend", "", "Storage backend (overrides config)")
	fs.StringVar(&sf.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	return fs
}

// openStore loads the config and opens the object store it names.
func openStore(ctx context.Context, sf *storeFlags) (*config.Config, storage.ObjectStore, error) {
	cfg, err := config.Load(sf.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}
	if sf.backend != "" {
		cfg.Storage.Backend = sf.backend
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	logging.Setup(sf.logLevel, "text", os.Stderr)

	store, err := storage.OpenWithRetry(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func closeStore(store storage.ObjectStore) {
	if err := storage.Close(store); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing store: %v\n", err)
	}
}

func parse(fs *pflag.FlagSet, args []string) (ok bool, rc int) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return false, 1
	}
	return true, 0
}

func runPut(ctx context.Context, args []string) int {
	var sf storeFlags
	fs := newFlagSet("put", &sf)
	if ok, rc := parse(fs, args); !ok {
		return rc
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: lagret-admin put <key> <file|->")
		return 1
	}
	key, src := fs.Arg(0), fs.Arg(1)

	var data []byte
	var err error
	if src == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	_, store, err := openStore(ctx, &sf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore(store)

	if err := store.Put(ctx, key, data); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", key, err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Wrote %d bytes to %s\n", len(data), key)
	return 0
}

func runList(ctx context.Context, args []string) int {
	var sf storeFlags
	fs := newFlagSet("ls", &sf)
	if ok, rc := parse(fs, args); !ok {
		return rc
	}
	prefix := ""
	if fs.NArg() > 0 {
		prefix = fs.Arg(0)
	}

	_, store, err := openStore(ctx, &sf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore(store)

	listed, err := store.List(ctx, prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing %q: %v\n", prefix, err)
		return 1
	}
	for _, key := range listed {
		fmt.Println(key)
	}
	return 0
}

func runExport(ctx context.Context, args []string) int {
	var sf storeFlags
	fs := newFlagSet("export", &sf)
	output := fs.StringP("output", "o", "-", "Output file path (- for stdout)")
	compress := fs.Bool("zstd", false, "Compress with zstd (default when the output ends in .zst)")
	concurrency := fs.Int("concurrency", 0, "Parallel sidecar fetches (default: from config)")
	if ok, rc := parse(fs, args); !ok {
		return rc
	}

	cfg, store, err := openStore(ctx, &sf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore(store)

	idx, report, err := registry.LoadIndex(ctx, store, pick(*concurrency, cfg.Registry.BootstrapConcurrency))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading index: %v\n", err)
		return 1
	}
	if report.Skipped > 0 || report.Failed > 0 {
		fmt.Fprintf(os.Stderr, "Skipped %d objects, %d fetches failed\n", report.Skipped, report.Failed)
	}

	result, err := serialization.ExportIndex(idx, &serialization.ExportOptions{RegistryURL: cfg.Server.PublicURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	zst := *compress || strings.HasSuffix(*output, ".zst")
	if *output == "-" {
		if err := serialization.WriteExport(os.Stdout, result, zst); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		return 0
	}

	f, err := os.Create(*output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	if err := serialization.WriteExport(f, result, zst); err != nil {
		f.Close()
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	crates, versions := idx.Len()
	fmt.Fprintf(os.Stderr, "Exported %d crates, %d versions to %s\n", crates, versions, *output)
	return 0
}

func runVerify(ctx context.Context, args []string) int {
	var sf storeFlags
	fs := newFlagSet("verify", &sf)
	exportPath := fs.String("export", "", "Verify against an export file instead of the store's sidecars")
	concurrency := fs.Int("concurrency", 0, "Parallel archive downloads (default: from config)")
	if ok, rc := parse(fs, args); !ok {
		return rc
	}

	cfg, store, err := openStore(ctx, &sf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore(store)
	n := pick(*concurrency, cfg.Registry.BootstrapConcurrency)

	var idx *index.Index
	if *exportPath != "" {
		data, err := os.ReadFile(*exportPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading export: %v\n", err)
			return 1
		}
		var result *serialization.ImportResult
		idx, result, err = serialization.ImportIndex(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
			return 1
		}
		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
		}
	} else {
		idx, _, err = registry.LoadIndex(ctx, store, n)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading index: %v\n", err)
			return 1
		}
	}

	report, err := registry.VerifyArchives(ctx, store, idx, n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error verifying: %v\n", err)
		return 1
	}
	for _, p := range report.Problems {
		fmt.Println(p)
	}
	fmt.Fprintf(os.Stderr, "Checked %d archives in %s, %d problems\n", report.Checked, report.Duration.Round(time.Millisecond), len(report.Problems))
	if !report.OK() {
		return 2
	}
	return 0
}

func pick(flag, fallback int) int {
	if flag > 0 {
		return flag
	}
	return fallback
}
