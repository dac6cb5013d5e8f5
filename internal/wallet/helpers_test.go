package wallet

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"satbank/internal/ledger"
	"satbank/internal/lnode"
)

type fakeDecoder struct {
	payreqs map[string]lnode.PayReq
}

func (d *fakeDecoder) DecodePayReq(payreq string) (lnode.PayReq, error) {
	decoded, ok := d.payreqs[payreq]
	if !ok {
		return lnode.PayReq{}, lnode.NewError(lnode.CodePayment, "checksum failed")
	}
	return decoded, nil
}

// scriptedPaymentStream replays a fixed sequence of payment events.
// onRecv, when set, runs before each event is handed out.
type scriptedPaymentStream struct {
	onRecv  func()
	results []lnode.PaymentResult
	errs    []error
	pos     int
}

func (s *scriptedPaymentStream) Recv() (lnode.PaymentResult, error) {
	if s.onRecv != nil {
		s.onRecv()
	}
	if s.pos >= len(s.results) {
		return lnode.PaymentResult{}, io.EOF
	}
	result, err := s.results[s.pos], s.errs[s.pos]
	s.pos++
	return result, err
}

func (s *scriptedPaymentStream) Close() error { return nil }

// blockingPaymentStream never produces an event. Recv returns only once
// the stream's context is done, the way a gRPC stream does.
type blockingPaymentStream struct {
	ctx context.Context
}

func (s *blockingPaymentStream) Recv() (lnode.PaymentResult, error) {
	<-s.ctx.Done()
	return lnode.PaymentResult{}, lnode.NewError(lnode.CodeUnavailable, "rpc stream closed: %v", s.ctx.Err())
}

func (s *blockingPaymentStream) Close() error { return nil }

// blockingChannelStream is the channel-open counterpart of
// blockingPaymentStream.
type blockingChannelStream struct {
	ctx context.Context
}

func (s *blockingChannelStream) Recv() (lnode.ChannelEvent, error) {
	<-s.ctx.Done()
	return lnode.ChannelEvent{}, lnode.NewError(lnode.CodeUnavailable, "rpc stream closed: %v", s.ctx.Err())
}

func (s *blockingChannelStream) Close() error { return nil }

// scriptedChannelStream replays a fixed sequence of channel-open events.
type scriptedChannelStream struct {
	events []lnode.ChannelEvent
	errs   []error
	pos    int
}

func (s *scriptedChannelStream) Recv() (lnode.ChannelEvent, error) {
	if s.pos >= len(s.events) {
		return lnode.ChannelEvent{}, io.EOF
	}
	event, err := s.events[s.pos], s.errs[s.pos]
	s.pos++
	return event, err
}

func (s *scriptedChannelStream) Close() error { return nil }

type fakeNode struct {
	mu sync.Mutex

	name    string
	peers   []string
	pending []string

	addresses   []string
	addrPos     int
	invoice     lnode.Invoice
	sendTxid    string
	sendHook    func()
	payStreams  map[string]lnode.PaymentStream
	openStreams map[string][]lnode.ChannelStream
	openErrs    map[string]error
	openCalls   map[string]int
}

func newFakeNode(name string) *fakeNode {
	return &fakeNode{
		name:        name,
		payStreams:  map[string]lnode.PaymentStream{},
		openStreams: map[string][]lnode.ChannelStream{},
		openErrs:    map[string]error{},
		openCalls:   map[string]int{},
	}
}

func (n *fakeNode) Name() string    { return n.name }
func (n *fakeNode) Peers() []string { return n.peers }

func (n *fakeNode) NewAddress(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.addrPos >= len(n.addresses) {
		return "", lnode.NewError(lnode.CodeUnavailable, "no addresses scripted")
	}
	addr := n.addresses[n.addrPos]
	n.addrPos++
	return addr, nil
}

func (n *fakeNode) AddInvoice(ctx context.Context, amountSat int64) (lnode.Invoice, error) {
	invoice := n.invoice
	invoice.AmountSat = amountSat
	return invoice, nil
}

func (n *fakeNode) SubscribeSettlements(ctx context.Context) (<-chan lnode.Settlement, <-chan error, error) {
	return nil, nil, lnode.NewError(lnode.CodeUnavailable, "not scripted")
}

func (n *fakeNode) SendPayment(ctx context.Context, paymentRequest string) (lnode.PaymentStream, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	stream, ok := n.payStreams[paymentRequest]
	if !ok {
		return nil, lnode.NewError(lnode.CodeUnavailable, "no stream scripted for %s", paymentRequest)
	}
	if blocking, ok := stream.(*blockingPaymentStream); ok {
		blocking.ctx = ctx
	}
	return stream, nil
}

func (n *fakeNode) OpenChannel(ctx context.Context, peer string, amountSat int64) (lnode.ChannelStream, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.openCalls[peer]++
	if err, ok := n.openErrs[peer]; ok {
		return nil, err
	}
	streams := n.openStreams[peer]
	if len(streams) == 0 {
		return nil, lnode.NewError(lnode.CodeUnavailable, "no stream scripted for %s", peer)
	}
	stream := streams[0]
	n.openStreams[peer] = streams[1:]
	if blocking, ok := stream.(*blockingChannelStream); ok {
		blocking.ctx = ctx
	}
	return stream, nil
}

func (n *fakeNode) PendingChannelPeers(ctx context.Context) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.pending...), nil
}

func (n *fakeNode) SendCoins(ctx context.Context, address string, amountSat int64) (string, error) {
	if n.sendTxid == "" {
		return "", lnode.NewError(lnode.CodeUnavailable, "no txid scripted")
	}
	if n.sendHook != nil {
		n.sendHook()
	}
	return n.sendTxid, nil
}

type fakeFetcher struct {
	txs map[string]*wire.MsgTx
}

func (f *fakeFetcher) RawTransaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	tx, ok := f.txs[txid]
	if !ok {
		return nil, lnode.NewError(lnode.CodeUnavailable, "unknown transaction %s", txid)
	}
	return tx, nil
}

// cancelAwareStore refuses settlement writes once the given context is
// done, matching what the postgres store's transactions do.
type cancelAwareStore struct {
	*ledger.MemoryStore
}

func (s *cancelAwareStore) ApplySettlement(ctx context.Context, set ledger.Settlement) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.MemoryStore.ApplySettlement(ctx, set)
}

type fixedRates struct {
	ask      float64
	currency string
}

func (r fixedRates) Ask() float64     { return r.ask }
func (r fixedRates) Currency() string { return r.currency }

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(username, event string, payload any) {
	n.mu.Lock()
	n.events = append(n.events, username+":"+event)
	n.mu.Unlock()
}

func (n *recordingNotifier) Broadcast(event string, payload any) {
	n.mu.Lock()
	n.events = append(n.events, "*:"+event)
	n.mu.Unlock()
}

type testEnv struct {
	engine   *Engine
	store    *ledger.MemoryStore
	registry *ledger.Registry
	node     *fakeNode
	fetcher  *fakeFetcher
	decoder  *fakeDecoder
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := ledger.NewMemoryStore()
	registry := ledger.NewRegistry()
	node := newFakeNode("lna")
	fetcher := &fakeFetcher{txs: map[string]*wire.MsgTx{}}
	decoder := &fakeDecoder{payreqs: map[string]lnode.PayReq{}}
	notifier := &recordingNotifier{}

	engine := New(Config{
		Store:    &cancelAwareStore{store},
		Registry: registry,
		Nodes:    []lnode.Node{node},
		Fetcher:  fetcher,
		Decoder:  decoder,
		Params:   &chaincfg.RegressionNetParams,
		Rates:    fixedRates{ask: 8500.5, currency: "CAD"},
		Notifier: notifier,
		Logger:   log.New(io.Discard, "", 0),
	})

	return &testEnv{
		engine:   engine,
		store:    store,
		registry: registry,
		node:     node,
		fetcher:  fetcher,
		decoder:  decoder,
		notifier: notifier,
	}
}

// withTimeouts rebuilds the engine with short stream deadlines.
func (env *testEnv) withTimeouts(payment, open time.Duration) {
	env.engine = New(Config{
		Store:              &cancelAwareStore{env.store},
		Registry:           env.registry,
		Nodes:              []lnode.Node{env.node},
		Fetcher:            env.fetcher,
		Decoder:            env.decoder,
		Params:             &chaincfg.RegressionNetParams,
		Rates:              fixedRates{ask: 8500.5, currency: "CAD"},
		Notifier:           env.notifier,
		Logger:             log.New(io.Discard, "", 0),
		PaymentTimeout:     payment,
		ChannelOpenTimeout: open,
	})
}

// addUser seeds a user with the given balances through a funding
// settlement so the ledger invariant holds from the start.
func (env *testEnv) addUser(t *testing.T, username, address string, balance, channelBalance int64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, env.store.CreateUser(ctx, &ledger.User{Username: username, Address: address}))
	if address != "" {
		env.registry.Add(address, username)
	}
	if balance+channelBalance != 0 {
		applied, err := env.store.ApplySettlement(ctx, ledger.Settlement{
			ClaimID: "seed-" + username,
			Entry: ledger.Entry{
				Username:   username,
				Identifier: "seed-" + username,
				Amount:     balance + channelBalance,
			},
			BalanceDelta: balance,
			ChannelDelta: channelBalance,
		})
		require.NoError(t, err)
		require.True(t, applied)
	}
}

// requireInvariant asserts the core correctness property: the two
// balances together equal the sum of all received entries.
func (env *testEnv) requireInvariant(t *testing.T, username string) {
	t.Helper()
	ctx := context.Background()

	user, err := env.store.UserByName(ctx, username)
	require.NoError(t, err)
	sum, err := env.store.SumEntries(ctx, username)
	require.NoError(t, err)
	require.Equal(t, sum, user.Balance+user.ChannelBalance,
		"balance invariant violated for %s", username)
}
