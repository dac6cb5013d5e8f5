package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"

	"satbank/internal/ledger"
	"satbank/internal/lnode"
)

// SendCoinsResult reports an on-chain send with the fee actually paid.
type SendCoinsResult struct {
	Txid      string `json:"txid"`
	AmountSat int64  `json:"amount"`
	FeeSat    int64  `json:"fees"`
	TotalSat  int64  `json:"total"`
}

// SendCoins sends funds on-chain and debits the sender by the amount
// plus the network fee observed on the resulting transaction, never more
// than the balance held. Requesting the exact balance means "send
// everything": the minimum fee is pre-subtracted so the transaction can
// still be funded.
func (e *Engine) SendCoins(ctx context.Context, node lnode.Node, username, address string, amountSat int64) (SendCoinsResult, error) {
	if _, err := btcutil.DecodeAddress(address, e.params); err != nil {
		return SendCoinsResult{}, ledger.Validationf("Invalid address: %v", err)
	}

	mu := e.userLock(username)
	mu.Lock()
	defer mu.Unlock()

	user, err := e.store.UserByName(ctx, username)
	if err != nil {
		return SendCoinsResult{}, err
	}

	if amountSat == user.Balance {
		amountSat = user.Balance - e.minOnchainFee
	}
	if amountSat <= 0 {
		return SendCoinsResult{}, ledger.Validationf("Amount must be positive")
	}
	if user.Balance < amountSat {
		return SendCoinsResult{}, ErrInsufficientFunds
	}

	txid, err := node.SendCoins(ctx, address, amountSat)
	if err != nil {
		return SendCoinsResult{}, err
	}

	// The coins are broadcast; the fee lookup and the debit must not be
	// lost to a caller disconnect cancelling ctx.
	settleCtx := context.WithoutCancel(ctx)

	fee := e.transactionFee(settleCtx, txid)
	total := amountSat + fee
	if total > user.Balance {
		total = user.Balance
	}

	rate, currency := e.rateSnapshot()
	applied, err := e.store.ApplySettlement(settleCtx, ledger.Settlement{
		ClaimID: txid,
		Entry: ledger.Entry{
			Username:   username,
			Identifier: txid,
			Amount:     -total,
			Rate:       rate,
			Currency:   currency,
		},
		BalanceDelta: -total,
	})
	if err != nil {
		return SendCoinsResult{}, err
	}
	if !applied {
		e.logger.Printf("sendcoins: %s already claimed, duplicate debit skipped", txid)
	}

	result := SendCoinsResult{
		Txid:      txid,
		AmountSat: amountSat,
		FeeSat:    fee,
		TotalSat:  total,
	}
	e.notifier.Notify(username, "sent", result)
	return result, nil
}

// transactionFee reconstructs the sent transaction and derives the fee as
// the value entering its inputs minus the value leaving its outputs. The
// coins are already gone when this runs, so lookup failures degrade to
// the minimum fee instead of failing the debit.
func (e *Engine) transactionFee(ctx context.Context, txid string) int64 {
	tx, err := e.fetcher.RawTransaction(ctx, txid)
	if err != nil {
		e.logger.Printf("sendcoins: fee lookup for %s failed, assuming minimum: %v", txid, err)
		return e.minOnchainFee
	}

	var inputTotal int64
	for _, in := range tx.TxIn {
		prev, err := e.fetcher.RawTransaction(ctx, in.PreviousOutPoint.Hash.String())
		if err != nil {
			e.logger.Printf("sendcoins: input lookup for %s failed, assuming minimum fee: %v", txid, err)
			return e.minOnchainFee
		}
		idx := in.PreviousOutPoint.Index
		if int(idx) >= len(prev.TxOut) {
			e.logger.Printf("sendcoins: input %s:%d out of range, assuming minimum fee", in.PreviousOutPoint.Hash, idx)
			return e.minOnchainFee
		}
		inputTotal += prev.TxOut[idx].Value
	}

	var outputTotal int64
	for _, out := range tx.TxOut {
		outputTotal += out.Value
	}
	return inputTotal - outputTotal
}
