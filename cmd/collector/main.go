package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
	"github.com/zeromicro/go-zero/rest"

	"ig-trading/internal/cli"
	"ig-trading/internal/config"
	"ig-trading/internal/handler"
	"ig-trading/internal/svc"
	"ig-trading/pkg/collector"
)

const shutdownTimeout = 10 * time.Second

func fatalf(format string, args ...interface{}) {
	logx.Errorf(format, args...)
	os.Exit(1)
}

func main() {
	var (
		configFile = flag.String("f", "etc/collector.yaml", "the config file")
		once       = flag.Bool("once", false, "collect every task once and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logx.MustSetup(logx.LogConf{})
		fatalf("load config: %v", err)
	}
	logx.MustSetup(cfg.Log)
	logx.DisableStat()
	cli.LogConfigSummary(cfg)

	sc, err := svc.NewServiceContext(*cfg)
	if err != nil {
		fatalf("build service context: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logx.Infof("received signal %s, shutting down...", sig)
		cancel()
	}()

	if *once {
		code := collectOnce(ctx, sc)
		shutdown(sc)
		os.Exit(code)
	}

	if cfg.Serve {
		server := rest.MustNewServer(cfg.RestConf)
		handler.RegisterHandlers(server, sc)
		threading.GoSafe(server.Start)
		defer server.Stop()
		logx.Infof("serving status at %s:%d", cfg.Host, cfg.Port)
	}

	logx.Infof("collector run %s started with %d tasks", sc.Scheduler.RunID(), len(sc.Scheduler.Tasks()))
	runErr := sc.Scheduler.Run(ctx)
	shutdown(sc)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fatalf("collector stopped: %v", runErr)
	}
	logx.Info("collector stopped")
}

func collectOnce(ctx context.Context, sc *svc.ServiceContext) int {
	results, err := sc.Scheduler.CollectOnce(ctx)
	if err != nil {
		logx.Errorf("collect once: %v", err)
		return 1
	}
	code := 0
	for _, res := range results {
		if res == nil {
			continue
		}
		fmt.Printf("%-24s %-14s fetched=%d written=%d attempts=%d elapsed=%s\n",
			res.Key, res.Class, res.Fetched, res.Written, res.Attempts, res.Elapsed.Round(time.Millisecond))
		if res.Class != collector.ClassOK {
			code = 1
		}
	}
	return code
}

func shutdown(sc *svc.ServiceContext) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sc.Close(ctx); err != nil {
		logx.Errorf("shutdown: %v", err)
	}
}
