package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"satbank/internal/chain"
	"satbank/internal/config"
	"satbank/internal/ledger"
	"satbank/internal/lnode"
	"satbank/internal/notify"
	"satbank/internal/postgres"
	"satbank/internal/rates"
	"satbank/internal/server"
	"satbank/internal/wallet"
)

const startupTimeout = 30 * time.Second

func main() {
	fs := flag.NewFlagSet("satbankd", flag.ExitOnError)
	configPath := fs.String("config", "/etc/satbank/config.yaml", "Path to config.yaml")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	ctx := context.Background()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool, err := pgxpool.New(startCtx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("postgres connect failed: %v", err)
	}
	defer pool.Close()

	store := postgres.New(pool)
	if err := store.EnsureSchema(startCtx); err != nil {
		logger.Fatalf("schema init failed: %v", err)
	}

	registry := ledger.NewRegistry()
	if err := registry.Rebuild(startCtx, store); err != nil {
		logger.Fatalf("registry rebuild failed: %v", err)
	}
	logger.Printf("registry: watching %d deposit addresses", registry.Len())

	params, err := cfg.ChainParams()
	if err != nil {
		logger.Fatalf("chain params: %v", err)
	}

	nodes := make([]lnode.Node, 0, len(cfg.Nodes))
	for _, nodeCfg := range cfg.Nodes {
		node, err := lnode.Dial(startCtx, nodeCfg, logger)
		if err != nil {
			logger.Fatalf("lightning node %s dial failed: %v", nodeCfg.Name, err)
		}
		nodes = append(nodes, node)
	}

	rpc, err := chain.NewRPC(cfg.Bitcoin.RPCHost, cfg.Bitcoin.RPCUser, cfg.Bitcoin.RPCPass)
	if err != nil {
		logger.Fatalf("bitcoind rpc failed: %v", err)
	}
	defer rpc.Shutdown()

	feed, err := chain.NewFeed(cfg.Bitcoin.ZMQRawBlock, cfg.Bitcoin.ZMQRawTx, logger)
	if err != nil {
		logger.Fatalf("bitcoind zmq failed: %v", err)
	}

	poller := rates.NewPoller(cfg.Rates.URL, cfg.Rates.Currency, cfg.Rates.Interval, logger)
	go poller.Run(ctx)

	hub := notify.NewHub(logger)

	engine := wallet.New(wallet.Config{
		Store:                store,
		Registry:             registry,
		Nodes:                nodes,
		InvoiceNode:          cfg.InvoiceNode(),
		Fetcher:              rpc,
		Decoder:              &lnode.ZpayDecoder{Params: params},
		Params:               params,
		Rates:                poller,
		Notifier:             hub,
		Logger:               logger,
		ChannelMinFundingSat: cfg.Wallet.ChannelMinFundingSat,
		ChannelMaxFundingSat: cfg.Wallet.ChannelMaxFundingSat,
		OnchainMinFeeSat:     cfg.Wallet.OnchainMinFeeSat,
	})

	for _, node := range nodes {
		go engine.RunSettlements(ctx, node)
	}
	go feed.Run(engine)

	srv := server.New(cfg, logger, engine, store, nodes[0], poller, hub)
	if err := srv.Run(); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}
