// Package server is the HTTP contract layer over the wallet engine.
// Authentication is owned by an upstream proxy; handlers trust the
// authenticated username it injects.
package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"satbank/internal/config"
	"satbank/internal/ledger"
	"satbank/internal/lnode"
	"satbank/internal/notify"
	"satbank/internal/rates"
	"satbank/internal/wallet"
)

type Server struct {
	cfg    *config.Config
	logger *log.Logger
	engine *wallet.Engine
	store  ledger.Store
	node   lnode.Node
	rates  *rates.Poller
	hub    *notify.Hub
}

func New(cfg *config.Config, logger *log.Logger, engine *wallet.Engine, store ledger.Store, node lnode.Node, poller *rates.Poller, hub *notify.Hub) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		store:  store,
		node:   node,
		rates:  poller,
		hub:    hub,
	}
}

func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Printf("listening on http://%s", addr)
	return httpServer.ListenAndServe()
}
