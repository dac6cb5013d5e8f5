package wallet

import (
	"context"
	"errors"

	"satbank/internal/ledger"
	"satbank/internal/lnode"
)

// PaymentReceipt is the confirmed outcome of an outbound payment.
type PaymentReceipt struct {
	Preimage  string `json:"preimage"`
	AmountSat int64  `json:"amount"`
	FeeSat    int64  `json:"fee"`
	TotalSat  int64  `json:"total"`
}

// SendPayment executes an outbound Lightning payment on the given node.
// The requested amount comes from the decoded payment request; the debit
// happens only after the node reports settlement, keyed by the revealed
// preimage so a redelivered success event can never debit twice.
func (e *Engine) SendPayment(ctx context.Context, node lnode.Node, username, paymentRequest string) (PaymentReceipt, error) {
	if paymentRequest == "" {
		return PaymentReceipt{}, ledger.Validationf("Payment request required")
	}
	payreq, err := e.decoder.DecodePayReq(paymentRequest)
	if err != nil {
		return PaymentReceipt{}, ledger.Validationf("Invalid payment request: %v", err)
	}
	if payreq.AmountSat <= 0 {
		return PaymentReceipt{}, ledger.Validationf("Payment request must carry an amount")
	}

	mu := e.userLock(username)
	mu.Lock()
	defer mu.Unlock()

	user, err := e.store.UserByName(ctx, username)
	if err != nil {
		return PaymentReceipt{}, err
	}

	// The ledger is the durable duplicate-payment authority: a recorded
	// entry under this payment request means it was completed before,
	// in this process lifetime or any earlier one.
	_, err = e.store.EntryByIdentifier(ctx, paymentRequest)
	switch {
	case err == nil:
		return PaymentReceipt{}, ErrDuplicatePayment
	case !errors.Is(err, ledger.ErrEntryNotFound):
		return PaymentReceipt{}, err
	}

	if user.ChannelBalance < payreq.AmountSat {
		return PaymentReceipt{}, ErrInsufficientFunds
	}

	payCtx, cancel := context.WithTimeout(ctx, e.paymentTimeout)
	defer cancel()

	stream, err := node.SendPayment(payCtx, paymentRequest)
	if err != nil {
		return PaymentReceipt{}, err
	}
	defer stream.Close()

	// The stream may emit progress events without a preimage before the
	// terminal one; a failure surfaces as an error with no balance
	// effect.
	var result lnode.PaymentResult
	for {
		result, err = stream.Recv()
		if err != nil {
			return PaymentReceipt{}, err
		}
		if result.Preimage != "" {
			break
		}
	}

	// The node has settled and revealed the preimage; from here on the
	// debit must not be lost to a caller disconnect cancelling ctx.
	settleCtx := context.WithoutCancel(ctx)

	total := result.AmountSat + result.FeeSat
	rate, currency := e.rateSnapshot()
	applied, err := e.store.ApplySettlement(settleCtx, ledger.Settlement{
		ClaimID: result.Preimage,
		Entry: ledger.Entry{
			Username:   username,
			Identifier: paymentRequest,
			Amount:     -total,
			Rate:       rate,
			Currency:   currency,
		},
		ChannelDelta: -total,
	})
	if err != nil {
		return PaymentReceipt{}, err
	}
	if !applied {
		e.logger.Printf("payment: preimage %s already claimed, duplicate success ignored", result.Preimage)
	}

	receipt := PaymentReceipt{
		Preimage:  result.Preimage,
		AmountSat: result.AmountSat,
		FeeSat:    result.FeeSat,
		TotalSat:  total,
	}
	e.notifier.Notify(username, "payment", receipt)
	return receipt, nil
}
