package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"crashengine/internal/config"
	"crashengine/internal/server"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := config.Load()
	srv := server.New(cfg)
	srv.RegisterFiberRoutes()

	go func() {
		if err := srv.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithFields(log.Fields{"signal": sig.String()}).Info("shutdown requested")
	case <-srv.Engine().Done():
		// The engine only exits on its own when progression halted; the
		// service must not keep serving a frozen game.
		if err := srv.Engine().Err(); err != nil {
			log.WithError(err).Error("engine halted")
		}
	}

	if err := srv.Shutdown(); err != nil {
		log.WithError(err).Error("shutdown failed")
	}
	log.Info("stopped")
}
