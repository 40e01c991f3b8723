package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wablast/config"
	"wablast/internal/app"
	"wablast/internal/blastq"
	"wablast/internal/notify"
	"wablast/internal/session"
	"wablast/internal/store"
	"wablast/internal/webapi"
)

var (
	h        = flag.Bool("h", false, "help usage")
	conffile = flag.String("c", "wablast.yml", "config yaml file")
	initdb   = flag.Bool("initdb", false, "drop and recreate the database schema")
)

func main() {
	flag.Parse()
	if *h {
		flag.Usage()
		os.Exit(0)
	}

	cfg := config.LoadConfig(*conffile)
	_ = os.MkdirAll(cfg.System.Workdir, 0o755)

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		fmt.Println("database initialized")
		return
	}

	ctx := context.Background()

	creds, err := session.NewSQLCredentials(ctx, cfg.CredStorePath())
	if err != nil {
		zap.S().Panicf("credential store open failed: %v", err)
	}

	bus := notify.NewBus()
	blastStore := store.NewBlastStore(application.DB())

	manager := session.NewManager(session.Deps{
		Store:    blastStore,
		Bus:      bus,
		Creds:    creds,
		Simulate: cfg.Whatsapp.Simulate,
	})

	queue := blastq.NewQueue(blastStore, manager, blastq.Options{
		PausePoll:       time.Duration(cfg.Blast.PausePollSec) * time.Second,
		DefaultDelayMin: time.Duration(cfg.Blast.DefaultDelayMinMs) * time.Millisecond,
		DefaultDelayMax: time.Duration(cfg.Blast.DefaultDelayMaxMs) * time.Millisecond,
		Limiter:         rate.NewLimiter(rate.Limit(cfg.Blast.RatePerSecond), cfg.Blast.RateBurst),
	})

	application.StartBackgroundJobs(blastStore, queue)

	go manager.RestoreAll(ctx)

	server := webapi.NewServer(cfg, blastStore, queue, manager)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			zap.S().Panicf("webapi start failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	zap.L().Info("main: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	queue.Shutdown()
	manager.Shutdown()
}
