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

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/refserver"
)

var version = "dev"

func main() {
	listen := flag.String("listen", getEnv("HYDROSENSE_BACKEND_LISTEN", ":3000"), "Listen address")
	dataFile := flag.String("data", getEnv("HYDROSENSE_BACKEND_DATA", "data.json"), "JSON data file")
	verbose := flag.Bool("verbose", getEnv("HYDROSENSE_BACKEND_VERBOSE", "false") == "true", "Verbose logging")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	store, err := refserver.OpenFileStore(*dataFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open data file")
	}

	srv := &http.Server{
		Addr:              *listen,
		Handler:           refserver.NewServer(store, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithFields(logrus.Fields{
		"version": version,
		"addr":    *listen,
		"data":    *dataFile,
	}).Info("HydroSense backend listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("Backend stopped")
	}
	logger.Info("HydroSense backend stopped")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
