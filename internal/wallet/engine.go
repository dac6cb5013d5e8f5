// Package wallet is the reconciliation core: it turns on-chain broadcasts
// and Lightning settlement events into per-user balance mutations, with
// the store's claim discipline guaranteeing every settlement is applied
// at most once.
package wallet

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/bcrypt"

	"satbank/internal/chain"
	"satbank/internal/ledger"
	"satbank/internal/lnode"
)

var (
	ErrInsufficientFunds = errors.New("not enough satoshis")
	ErrDuplicatePayment  = errors.New("invoice has been paid, can't pay again")
	ErrNoPeerAvailable   = errors.New("all peers have pending channel requests, try again later")
)

// Rates supplies the conversion-rate snapshot stamped on every ledger
// entry.
type Rates interface {
	Ask() float64
	Currency() string
}

// Notifier pushes events to a user's live sessions. Delivery is
// best-effort and never part of the correctness contract.
type Notifier interface {
	Notify(username, event string, payload any)
	Broadcast(event string, payload any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string, any) {}
func (nopNotifier) Broadcast(string, any)      {}

// Config carries the engine's collaborators and tunables.
type Config struct {
	Store    ledger.Store
	Registry *ledger.Registry
	Nodes    []lnode.Node

	// InvoiceNode indexes into Nodes; inbound invoices are created
	// there.
	InvoiceNode int

	Fetcher  chain.TxFetcher
	Decoder  lnode.PayReqDecoder
	Params   *chaincfg.Params
	Rates    Rates
	Notifier Notifier
	Logger   *log.Logger

	ChannelMinFundingSat int64
	ChannelMaxFundingSat int64
	OnchainMinFeeSat     int64
	PaymentTimeout       time.Duration
	ChannelOpenTimeout   time.Duration
}

type Engine struct {
	store    ledger.Store
	registry *ledger.Registry
	nodes    []lnode.Node
	invNode  lnode.Node
	fetcher  chain.TxFetcher
	decoder  lnode.PayReqDecoder
	params   *chaincfg.Params
	rates    Rates
	notifier Notifier
	logger   *log.Logger

	minFunding     int64
	maxFunding     int64
	minOnchainFee  int64
	paymentTimeout time.Duration
	openTimeout    time.Duration

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex
}

func New(cfg Config) *Engine {
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.ChannelMinFundingSat == 0 {
		cfg.ChannelMinFundingSat = 10_000
	}
	if cfg.ChannelMaxFundingSat == 0 {
		cfg.ChannelMaxFundingSat = 16_777_216
	}
	if cfg.OnchainMinFeeSat == 0 {
		cfg.OnchainMinFeeSat = 180
	}
	if cfg.PaymentTimeout == 0 {
		cfg.PaymentTimeout = 60 * time.Second
	}
	if cfg.ChannelOpenTimeout == 0 {
		cfg.ChannelOpenTimeout = 2 * time.Minute
	}

	var invNode lnode.Node
	if len(cfg.Nodes) > 0 {
		idx := cfg.InvoiceNode
		if idx < 0 || idx >= len(cfg.Nodes) {
			idx = len(cfg.Nodes) - 1
		}
		invNode = cfg.Nodes[idx]
	}

	return &Engine{
		store:          cfg.Store,
		registry:       cfg.Registry,
		nodes:          cfg.Nodes,
		invNode:        invNode,
		fetcher:        cfg.Fetcher,
		decoder:        cfg.Decoder,
		params:         cfg.Params,
		rates:          cfg.Rates,
		notifier:       cfg.Notifier,
		logger:         cfg.Logger,
		minFunding:     cfg.ChannelMinFundingSat,
		maxFunding:     cfg.ChannelMaxFundingSat,
		minOnchainFee:  cfg.OnchainMinFeeSat,
		paymentTimeout: cfg.PaymentTimeout,
		openTimeout:    cfg.ChannelOpenTimeout,
		userLocks:      map[string]*sync.Mutex{},
	}
}

// userLock serializes all balance mutations for one user.
func (e *Engine) userLock(username string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.userLocks[username]
	if !ok {
		mu = &sync.Mutex{}
		e.userLocks[username] = mu
	}
	return mu
}

func (e *Engine) rateSnapshot() (float64, string) {
	if e.rates == nil {
		return 0, ""
	}
	return e.rates.Ask(), e.rates.Currency()
}

// Register creates a user and allocates their deposit address on the
// first node.
func (e *Engine) Register(ctx context.Context, username, password string) (*ledger.User, error) {
	if username == "" {
		return nil, ledger.Validationf("Username required")
	}
	if len(password) < 2 {
		return nil, ledger.Validationf("Password too short")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	address, err := e.nodes[0].NewAddress(ctx)
	if err != nil {
		return nil, err
	}

	user := &ledger.User{
		Username:     username,
		PasswordHash: string(hash),
		Address:      address,
	}
	if err := e.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	e.registry.Add(address, username)
	return user, nil
}

// CloseChannels folds the user's channel balance back into the on-chain
// balance. The entry sum is untouched, so the ledger invariant holds.
func (e *Engine) CloseChannels(ctx context.Context, username string) (*ledger.User, error) {
	mu := e.userLock(username)
	mu.Lock()
	defer mu.Unlock()

	user, err := e.store.UserByName(ctx, username)
	if err != nil {
		return nil, err
	}
	if user.ChannelBalance != 0 {
		if err := e.store.ShiftBalance(ctx, username, user.ChannelBalance, -user.ChannelBalance, ""); err != nil {
			return nil, err
		}
	}
	return e.store.UserByName(ctx, username)
}
