package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/eva/internal/config"
	"github.com/ent0n29/eva/internal/loopback"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	backend := loopback.New(loopback.Options{EchoAudio: cfg.LoopbackEcho})
	httpServer := &http.Server{
		Addr:    cfg.LoopbackBindAddr,
		Handler: backend.Handler(),
	}

	go func() {
		log.Printf("loopback backend listening on %s (echo=%t)", cfg.LoopbackBindAddr, cfg.LoopbackEcho)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	log.Printf("shutdown complete")
}
