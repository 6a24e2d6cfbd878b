// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Delivery Server fulfills digital orders: it stores product files,
// issues download grants and license keys, and serves downloads.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vendlab/delivery-server/pkg/conf"
	"github.com/vendlab/delivery-server/pkg/content"
	"github.com/vendlab/delivery-server/pkg/delivery"
	"github.com/vendlab/delivery-server/pkg/stor"
)

// Server context
type Server struct {
	*conf.Config
	stor.Store
	Content      *content.Store
	Orchestrator *delivery.Orchestrator
	Sweeper      *delivery.Sweeper
	Router       *chi.Mux
}

func main() {

	s := Server{}

	configFile := os.Getenv("DELIVERY_SERVER_CONFIG")
	flag.StringVar(&configFile, "config", configFile, "path to the yaml configuration file")
	flag.Parse()
	if configFile == "" {
		panic("Failed to retrieve the configuration file path.")
	}

	c, err := conf.Init(configFile)
	if err != nil {
		panic("Failed to read the configuration: " + err.Error())
	}

	s.Config = c

	s.Initialize()

	log.Println("The server is ready.")

	s.Run(":" + strconv.Itoa(c.Port))
}

// Initialize sets up logging, the database, the content store, the
// orchestrator and the routes.
func (s *Server) Initialize() {
	var err error

	// logging level
	if level, err := log.ParseLevel(s.Config.LogLevel); err == nil {
		log.SetLevel(level)
	}

	// the database
	s.Store, err = stor.Init(s.Config.Dsn)
	if err != nil {
		panic("Database setup failed.")
	}

	// the content store
	s.Content, err = content.NewStore(s.Config.Storage, s.Store)
	if err != nil {
		panic("Content storage setup failed: " + err.Error())
	}

	// the orchestrator, with its webhook notifier when configured
	var notifier delivery.Notifier
	if s.Config.Delivery.NotifyUrl != "" {
		notifier = delivery.NewWebhookNotifier(s.Config.Delivery.NotifyUrl)
	}
	s.Orchestrator = delivery.NewOrchestrator(s.Config, s.Store, notifier)

	// the routes
	s.Router = s.setRoutes()
}

// Run starts the background workers and the http server, then waits for
// a termination signal and shuts everything down in order.
func (s *Server) Run(port string) {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// watch folder ingestion, optional
	if s.Config.Storage.Inbox != "" {
		watcher := content.NewWatcher(s.Content, s.Config.Storage.Inbox)
		go watcher.Run(ctx)
	}

	// periodic expiry sweep, optional
	var err error
	s.Sweeper, err = delivery.StartSweeper(s.Orchestrator, s.Config.Delivery.SweepIntervalMinutes)
	if err != nil {
		panic("Sweeper setup failed: " + err.Error())
	}

	server := &http.Server{Addr: port, Handler: s.Router}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down ...")

	s.Sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Forced shutdown: %v", err)
	}
}
