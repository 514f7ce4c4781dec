package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/roomsync/roomsync/rendezvous/api"
)

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	shareCodeTTL := flag.Duration("share-code-ttl", 300*time.Second, "Share code lifetime")
	peerTTL := flag.Duration("peer-ttl", 120*time.Second, "Presence record lifetime")
	requestsPerMinute := flag.Int("requests-per-minute", 100, "Per-IP request budget per rolling minute")
	maxRelayConns := flag.Int("max-relay-conns", 32, "Per-IP simultaneous relay connection limit")
	dev := flag.Bool("dev", false, "Human-readable logs")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	server := api.NewServer(*addr, api.Options{
		ShareCodeTTL:       *shareCodeTTL,
		PeerTTL:            *peerTTL,
		RequestsPerMinute:  *requestsPerMinute,
		MaxRelayConnsPerIP: *maxRelayConns,
	}, logger)

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.Handler(),
	}

	go func() {
		logger.Info("rendezvous server listening", zap.String("addr", *addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()
	go server.RunPruneLoop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
