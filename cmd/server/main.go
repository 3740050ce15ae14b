package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		layoutPath = flag.String("layout", "", "path to layout.yaml (default: <configs>/layout.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable indexing (ticks/transfers + config + snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	lp := strings.TrimSpace(*layoutPath)
	if lp == "" {
		lp = filepath.Join(*configDir, "layout.yaml")
	}
	_ = os.MkdirAll(*dataDir, 0o755)

	rt, err := newServerRuntime(serverRuntimeConfig{
		DataDir:      *dataDir,
		TuningPath:   tp,
		LayoutPath:   lp,
		SnapshotPath: *snapPath,
		LoadLatest:   *loadLatest,
		DisableDB:    *disableDB,
		EnableAdmin:  envBool("CN_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		EnablePprof:  envBool("CN_ENABLE_PPROF_HTTP", false),
	}, logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           rt.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.runSnapshotWriter(gctx)
		return nil
	})
	g.Go(func() error {
		if err := rt.drv.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("driver: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})

	err = g.Wait()
	_ = rt.Close()
	if err != nil {
		logger.Fatalf("%v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
