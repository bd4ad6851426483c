package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/eva/internal/audio"
	"github.com/ent0n29/eva/internal/capture"
	"github.com/ent0n29/eva/internal/config"
	"github.com/ent0n29/eva/internal/events"
	"github.com/ent0n29/eva/internal/httpapi"
	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/playback"
	"github.com/ent0n29/eva/internal/protocol"
	"github.com/ent0n29/eva/internal/session"
	"github.com/ent0n29/eva/internal/transcript"
)

func main() {
	autostart := flag.String("start", "", "start a session right away in this mode (audio|camera|screen)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if *autostart != "" && !protocol.Mode(*autostart).Valid() {
		log.Fatalf("invalid -start mode %q (expected audio|camera|screen)", *autostart)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(0)

	ctx := context.Background()
	store, storeMode, err := transcript.NewStore(ctx, transcript.Options{
		Mode:          cfg.TranscriptStore,
		DatabaseURL:   cfg.DatabaseURL,
		RedisAddr:     cfg.RedisURL,
		RedisPassword: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()
	log.Printf("transcript store: %s", storeMode)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = session.NewClientID()
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.MQTTBroker != "" {
		mqttClientID := cfg.MQTTClientID
		if mqttClientID == "" {
			mqttClientID = "eva-" + clientID
		}
		publisher = events.NewMQTTPublisher(events.MQTTOptions{
			Broker:      cfg.MQTTBroker,
			ClientID:    mqttClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		})
	}
	defer publisher.Close()

	ctrl := session.New(session.Options{
		ClientID: clientID,
		Endpoint: cfg.BackendURL,
		Config:   cfg.Session,
		Devices: capture.BuiltinDevices{
			Microphone: cfg.MicSource,
			Camera:     cfg.CameraSource,
			Screen:     cfg.ScreenSource,
		},
		Audio: capture.AudioConfig{
			BlockSize: cfg.AudioBlockSize,
			Threshold: cfg.VADThreshold,
			KeepAlive: cfg.ActivityKeepAlive,
		},
		Video: capture.VideoConfig{
			Interval: cfg.VideoInterval,
			Quality:  cfg.JPEGQuality,
		},
		NewPlayer: func() (playback.Player, error) {
			return playback.OpenPlayer(cfg.Player, audio.PlaybackSampleRate)
		},
		Store:   store,
		Events:  publisher,
		Metrics: metrics,
		Stages:  stages,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = ctrl.Run(runCtx)
	}()

	api := httpapi.New(ctrl, metrics, stages, storeMode)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("eva %s listening on %s (backend %s)", clientID, cfg.BindAddr, cfg.BackendURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	if *autostart != "" {
		if err := ctrl.Start(protocol.Mode(*autostart)); err != nil {
			log.Printf("autostart failed: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	runCancel()
	select {
	case <-runDone:
	case <-shutdownCtx.Done():
		log.Printf("session teardown timed out")
	}

	log.Printf("shutdown complete")
}
