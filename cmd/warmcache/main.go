// cmd/warmcache/main.go
// Prefetches source images into the download cache so the first real
// request for them is served from disk.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"Lumen/internal/core/pipeline"
	"Lumen/internal/core/request"
)

type stats struct {
	network atomic.Int64
	cached  atomic.Int64
	failed  atomic.Int64
}

func main() {
	file := flag.String("file", "", "file with one URI per line (default: stdin)")
	clearCaches := flag.Bool("clear", false, "wipe every cache tier before warming")
	parallel := flag.Int("parallel", 8, "concurrent prefetches")
	flag.Parse()

	_ = godotenv.Load()

	in := io.Reader(os.Stdin)
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatalf("Failed to open %s: %v", *file, err)
		}
		defer f.Close()
		in = f
	}
	uris, err := readURIs(in)
	if err != nil {
		log.Fatalf("Failed to read URIs: %v", err)
	}

	// Only the download tier is warmed.
	cfg := pipeline.ConfigFromEnv()
	cfg.MemoryCacheMB = 0
	cfg.CleanupInterval = 0

	engine, err := pipeline.New(cfg)
	if err != nil {
		log.Fatalf("Failed to start image pipeline: %v", err)
	}
	defer engine.Close()

	if *clearCaches {
		log.Printf("Clearing caches...")
		if err := engine.ClearCaches(); err != nil {
			log.Fatalf("Failed to clear caches: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Warming %d URIs with %d workers...", len(uris), *parallel)
	s := warm(ctx, engine, uris, *parallel)
	fmt.Printf("downloaded=%d already_cached=%d failed=%d\n",
		s.network.Load(), s.cached.Load(), s.failed.Load())
	if s.failed.Load() > 0 {
		stop()
		engine.Close()
		os.Exit(1)
	}
}

// readURIs returns the non-empty lines of r, skipping # comments.
func readURIs(r io.Reader) ([]string, error) {
	var uris []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uris = append(uris, line)
	}
	return uris, sc.Err()
}

// prefetcher is the part of *pipeline.Engine warm needs.
type prefetcher interface {
	Prefetch(ctx context.Context, req *request.ImageRequest) (request.DataFrom, error)
}

func warm(ctx context.Context, p prefetcher, uris []string, parallel int) *stats {
	s := &stats{}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))

	for _, uri := range uris {
		g.Go(func() error {
			req := request.NewBuilder(uri).
				Depth(request.DepthNetwork, "").
				MemoryCachePolicy(request.CacheDisabled).
				ResultCachePolicy(request.CacheDisabled).
				Build()
			from, err := p.Prefetch(ctx, req)
			switch {
			case err != nil:
				s.failed.Add(1)
				slog.Warn("[WARMCACHE] prefetch failed", "uri", uri, "error", err)
			case from == request.FromNetwork:
				s.network.Add(1)
			default:
				s.cached.Add(1)
			}
			// One bad URI must not cancel the rest.
			return nil
		})
	}
	_ = g.Wait()
	return s
}
