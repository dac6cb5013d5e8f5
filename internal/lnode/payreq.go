package lnode

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
)

// PayReq is the decoded shape of a BOLT 11 payment request, reduced to
// what the outbound payment engine needs.
type PayReq struct {
	Hash      string
	AmountSat int64
}

// PayReqDecoder decodes an encoded payment request.
type PayReqDecoder interface {
	DecodePayReq(payreq string) (PayReq, error)
}

// ZpayDecoder decodes payment requests locally with zpay32 against the
// configured network.
type ZpayDecoder struct {
	Params *chaincfg.Params
}

func (d ZpayDecoder) DecodePayReq(payreq string) (PayReq, error) {
	invoice, err := zpay32.Decode(payreq, d.Params)
	if err != nil {
		return PayReq{}, err
	}

	var amount int64
	if invoice.MilliSat != nil {
		amount = int64(invoice.MilliSat.ToSatoshis())
	}
	var hash string
	if invoice.PaymentHash != nil {
		hash = hex.EncodeToString(invoice.PaymentHash[:])
	}
	return PayReq{Hash: hash, AmountSat: amount}, nil
}
