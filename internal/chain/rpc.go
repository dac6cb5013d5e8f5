package chain

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// TxFetcher looks up a raw transaction by its display-order txid.
type TxFetcher interface {
	RawTransaction(ctx context.Context, txid string) (*wire.MsgTx, error)
}

// RPC is a TxFetcher over bitcoind's JSON-RPC interface.
type RPC struct {
	client *rpcclient.Client
}

func NewRPC(host, user, pass string) (*RPC, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		DisableTLS:   true,
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &RPC{client: client}, nil
}

func (r *RPC) RawTransaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	tx, err := r.client.GetRawTransaction(hash)
	if err != nil {
		return nil, err
	}
	return tx.MsgTx(), nil
}

func (r *RPC) Shutdown() {
	r.client.Shutdown()
}
