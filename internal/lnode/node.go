// Package lnode abstracts the Lightning node the wallet engine talks to.
// The engine consumes the Node interface only; the gRPC implementation
// and its error-string quirks stay behind it.
package lnode

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies node failures the engine reacts to differently.
type Code int

const (
	// CodeUnavailable covers RPC and stream transport failures.
	CodeUnavailable Code = iota

	// CodePeerBusy means the peer already has a pending channel open
	// and a different peer should be tried.
	CodePeerBusy

	// CodePayment is a terminal payment failure reported by the node.
	CodePayment
)

// Error is a structured node failure.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// IsPeerBusy reports whether err is the retryable peer-already-busy
// class of channel-open failure.
func IsPeerBusy(err error) bool {
	var nerr *Error
	return errors.As(err, &nerr) && nerr.Code == CodePeerBusy
}

// Invoice is a payment request issued by the node.
type Invoice struct {
	PaymentRequest string
	Hash           string
	AmountSat      int64
}

// Settlement is one settled inbound invoice from a settlement stream.
type Settlement struct {
	PaymentRequest string
	Hash           string
	AmountSat      int64
}

// PaymentResult is the terminal success event of an outbound payment:
// the revealed preimage plus the route cost.
type PaymentResult struct {
	Preimage  string
	AmountSat int64
	FeeSat    int64
}

// PaymentStream yields events for one in-flight outbound payment. Recv
// blocks until the next event; a terminal failure is returned as an
// *Error with CodePayment.
type PaymentStream interface {
	Recv() (PaymentResult, error)
	Close() error
}

// ChannelEvent is one progress event of a channel open. Pending flips to
// true exactly when the funding transaction is accepted; ChannelID is its
// display-order txid.
type ChannelEvent struct {
	Pending   bool
	ChannelID string
}

// ChannelStream yields progress events for one channel open request.
type ChannelStream interface {
	Recv() (ChannelEvent, error)
	Close() error
}

// Node is one Lightning node. All blocking calls honor ctx.
type Node interface {
	Name() string

	// Peers returns the configured channel peer pubkeys in preference
	// order.
	Peers() []string

	NewAddress(ctx context.Context) (string, error)
	AddInvoice(ctx context.Context, amountSat int64) (Invoice, error)

	// SubscribeSettlements streams settled inbound invoices. The error
	// channel reports a broken stream; the caller resubscribes.
	SubscribeSettlements(ctx context.Context) (<-chan Settlement, <-chan error, error)

	SendPayment(ctx context.Context, paymentRequest string) (PaymentStream, error)
	OpenChannel(ctx context.Context, peerPubkey string, amountSat int64) (ChannelStream, error)

	// PendingChannelPeers lists pubkeys that are already the target of a
	// pending channel open on the node.
	PendingChannelPeers(ctx context.Context) ([]string, error)

	SendCoins(ctx context.Context, address string, amountSat int64) (string, error)
}
