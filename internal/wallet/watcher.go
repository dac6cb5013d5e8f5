package wallet

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"satbank/internal/ledger"
)

// HandleRawTx consumes one raw transaction broadcast. Every output is
// resolved against the registry; an output owned by a registered address
// triggers a claim on the transaction hash, and only the claim winner
// credits the owner and records the entry. Redelivered broadcasts and
// concurrent deliveries lose the claim and fall through without side
// effects.
func (e *Engine) HandleRawTx(raw []byte) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		e.logger.Printf("watcher: undecodable transaction dropped: %v", err)
		return
	}
	txid := tx.TxHash().String()
	ctx := context.Background()

	for vout, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, e.params)
		if err != nil || len(addrs) == 0 {
			// Non-standard or wrong-network script; never fatal.
			continue
		}

		for _, addr := range addrs {
			username, ok := e.registry.Owner(addr.EncodeAddress())
			if !ok {
				continue
			}

			e.creditOutput(ctx, username, txid, vout, out.Value)
		}
	}
}

func (e *Engine) creditOutput(ctx context.Context, username, txid string, vout int, value int64) {
	mu := e.userLock(username)
	mu.Lock()
	defer mu.Unlock()

	rate, currency := e.rateSnapshot()
	applied, err := e.store.ApplySettlement(ctx, ledger.Settlement{
		ClaimID: txid,
		Entry: ledger.Entry{
			Username:   username,
			Identifier: txid,
			Amount:     value,
			Rate:       rate,
			Currency:   currency,
		},
		BalanceDelta: value,
	})
	if err != nil {
		e.logger.Printf("watcher: credit %s:%d for %s failed: %v", txid, vout, username, err)
		return
	}
	if !applied {
		e.logger.Printf("watcher: %s already claimed, output %d ignored", txid, vout)
		return
	}

	e.logger.Printf("watcher: credited %d sat to %s (tx %s)", value, username, txid)
	e.notifier.Notify(username, "tx", map[string]any{
		"txid":   txid,
		"amount": value,
	})
}

// HandleRawBlock logs observed blocks and announces them to all live
// sessions. No balance effect.
func (e *Engine) HandleRawBlock(raw []byte) {
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		e.logger.Printf("watcher: undecodable block dropped: %v", err)
		return
	}
	hash := block.BlockHash().String()
	e.logger.Printf("watcher: block %s", hash)
	e.notifier.Broadcast("block", map[string]any{"hash": hash})
}
