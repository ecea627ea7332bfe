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

	"kryptera/internal/directory"
	"kryptera/internal/log"
)

func main() {
	listen := flag.String("listen", ":8222", "listen address")
	logFile := flag.String("log-file", "", "log file (default stdout)")
	logLevel := flag.String("log-level", "INFO", "log level")
	flag.Parse()

	backend, err := log.New(*logFile, *logLevel, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := backend.GetLogger("main")

	srv := &http.Server{
		Addr:              *listen,
		Handler:           directory.NewServer(directory.NewMemory(), backend).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          backend.GetGoLogger("http", "WARNING"),
	}

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigc
		logger.Noticef("signal %v received, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	}()

	logger.Noticef("directoryd listening on %s", *listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("serve: %v", err)
		os.Exit(1)
	}
}
