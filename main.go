package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	_ "net/http/pprof"
)

func main() {
	log, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		zap.S().Error(err)
		zap.L().Sync()
		os.Exit(1)
	}
}

// run serves until ctx is done or a listener fails.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default ./config.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("init config error: %w", err)
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.PprofHost != "" {
		go func() {
			http.ListenAndServe(cfg.PprofHost, nil)
		}()
	}

	node, err := newNode(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init node error: %w", err)
	}
	defer node.Close()

	servers := []*http.Server{
		{Addr: cfg.Host, Handler: node.router()},
	}
	if cfg.AdminHost != "" {
		servers = append(servers, &http.Server{Addr: cfg.AdminHost, Handler: node.adminRouter()})
	}
	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Sugar().Info("Start:", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
	case err = <-errs:
		log.Sugar().Error(err)
	}
	log.Sugar().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(shutdownCtx)
	}
	return err
}
