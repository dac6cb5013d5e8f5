package lnode

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"satbank/internal/config"
)

const maxGRPCMsgSize = 32 * 1024 * 1024

// GRPCNode is the lnrpc-backed Node. One long-lived connection per node.
type GRPCNode struct {
	cfg    config.NodeConfig
	logger *log.Logger
	conn   *grpc.ClientConn
	client lnrpc.LightningClient
}

type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

func Dial(ctx context.Context, cfg config.NodeConfig, logger *log.Logger) (*GRPCNode, error) {
	tlsCert, err := os.ReadFile(cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}
	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(tlsCert); !ok {
		return nil, fmt.Errorf("failed to parse node TLS cert")
	}

	macBytes, err := os.ReadFile(cfg.AdminMacaroonPath)
	if err != nil {
		return nil, err
	}

	creds := credentials.NewClientTLSFromCert(certPool, "")
	conn, err := grpc.DialContext(ctx, cfg.GRPCHost,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macaroonCredential{hex.EncodeToString(macBytes)}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGRPCMsgSize)),
	)
	if err != nil {
		return nil, err
	}

	return &GRPCNode{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
		client: lnrpc.NewLightningClient(conn),
	}, nil
}

func (n *GRPCNode) Close() error {
	return n.conn.Close()
}

func (n *GRPCNode) Name() string {
	return n.cfg.Name
}

func (n *GRPCNode) Peers() []string {
	return n.cfg.ChannelPeers
}

func (n *GRPCNode) NewAddress(ctx context.Context) (string, error) {
	resp, err := n.client.NewAddress(ctx, &lnrpc.NewAddressRequest{
		Type: lnrpc.AddressType_WITNESS_PUBKEY_HASH,
	})
	if err != nil {
		return "", &Error{Code: CodeUnavailable, Err: err}
	}
	return resp.Address, nil
}

func (n *GRPCNode) AddInvoice(ctx context.Context, amountSat int64) (Invoice, error) {
	resp, err := n.client.AddInvoice(ctx, &lnrpc.Invoice{Value: amountSat})
	if err != nil {
		return Invoice{}, &Error{Code: CodeUnavailable, Err: err}
	}
	return Invoice{
		PaymentRequest: resp.PaymentRequest,
		Hash:           hex.EncodeToString(resp.RHash),
		AmountSat:      amountSat,
	}, nil
}

func (n *GRPCNode) SubscribeSettlements(ctx context.Context) (<-chan Settlement, <-chan error, error) {
	stream, err := n.client.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, nil, &Error{Code: CodeUnavailable, Err: err}
	}

	settlements := make(chan Settlement)
	errCh := make(chan error, 1)

	go func() {
		defer close(settlements)
		for {
			invoice, err := stream.Recv()
			if err != nil {
				errCh <- err
				return
			}
			if invoice.State != lnrpc.Invoice_SETTLED {
				continue
			}
			amount := invoice.AmtPaidSat
			if amount == 0 {
				amount = invoice.Value
			}
			s := Settlement{
				PaymentRequest: invoice.PaymentRequest,
				Hash:           hex.EncodeToString(invoice.RHash),
				AmountSat:      amount,
			}
			select {
			case settlements <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	return settlements, errCh, nil
}

type grpcPaymentStream struct {
	stream lnrpc.Lightning_SendPaymentClient
}

func (s *grpcPaymentStream) Recv() (PaymentResult, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return PaymentResult{}, &Error{Code: CodeUnavailable, Err: err}
	}
	if resp.PaymentError != "" {
		return PaymentResult{}, NewError(CodePayment, "%s", resp.PaymentError)
	}

	var amount, fee int64
	if route := resp.PaymentRoute; route != nil {
		amount = route.TotalAmt - route.TotalFees
		fee = route.TotalFees
	}
	return PaymentResult{
		Preimage:  hex.EncodeToString(resp.PaymentPreimage),
		AmountSat: amount,
		FeeSat:    fee,
	}, nil
}

func (s *grpcPaymentStream) Close() error {
	return s.stream.CloseSend()
}

func (n *GRPCNode) SendPayment(ctx context.Context, paymentRequest string) (PaymentStream, error) {
	stream, err := n.client.SendPayment(ctx)
	if err != nil {
		return nil, &Error{Code: CodeUnavailable, Err: err}
	}
	if err := stream.Send(&lnrpc.SendRequest{PaymentRequest: paymentRequest}); err != nil {
		return nil, &Error{Code: CodeUnavailable, Err: err}
	}
	return &grpcPaymentStream{stream: stream}, nil
}

type grpcChannelStream struct {
	stream lnrpc.Lightning_OpenChannelClient
}

func (s *grpcChannelStream) Recv() (ChannelEvent, error) {
	update, err := s.stream.Recv()
	if err != nil {
		return ChannelEvent{}, classifyOpenError(err)
	}

	if pending := update.GetChanPending(); pending != nil {
		txid, err := chainhash.NewHash(pending.Txid)
		if err != nil {
			return ChannelEvent{}, &Error{Code: CodeUnavailable, Err: err}
		}
		return ChannelEvent{Pending: true, ChannelID: txid.String()}, nil
	}
	return ChannelEvent{}, nil
}

func (s *grpcChannelStream) Close() error {
	return nil
}

func (n *GRPCNode) OpenChannel(ctx context.Context, peerPubkey string, amountSat int64) (ChannelStream, error) {
	pubkey, err := hex.DecodeString(peerPubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid peer pubkey %q", peerPubkey)
	}

	stream, err := n.client.OpenChannel(ctx, &lnrpc.OpenChannelRequest{
		NodePubkey:         pubkey,
		LocalFundingAmount: amountSat,
	})
	if err != nil {
		return nil, classifyOpenError(err)
	}
	return &grpcChannelStream{stream: stream}, nil
}

func (n *GRPCNode) PendingChannelPeers(ctx context.Context) ([]string, error) {
	resp, err := n.client.PendingChannels(ctx, &lnrpc.PendingChannelsRequest{})
	if err != nil {
		return nil, &Error{Code: CodeUnavailable, Err: err}
	}

	peers := make([]string, 0, len(resp.PendingOpenChannels))
	for _, c := range resp.PendingOpenChannels {
		if c.Channel != nil {
			peers = append(peers, c.Channel.RemoteNodePub)
		}
	}
	return peers, nil
}

func (n *GRPCNode) SendCoins(ctx context.Context, address string, amountSat int64) (string, error) {
	resp, err := n.client.SendCoins(ctx, &lnrpc.SendCoinsRequest{
		Addr:   address,
		Amount: amountSat,
	})
	if err != nil {
		return "", &Error{Code: CodeUnavailable, Err: err}
	}
	return resp.Txid, nil
}

// classifyOpenError turns lnd's channel-open failures into structured
// codes. The peer-busy message matching lives here and nowhere else; lnd
// reports a concurrent open to the same peer with its "Multiple
// channels..." / pending-channel error text.
func classifyOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "multiple channels") ||
		strings.Contains(msg, "pending channel") ||
		strings.HasPrefix(strings.TrimSpace(err.Error()), "Multiple") {
		return &Error{Code: CodePeerBusy, Err: err}
	}
	return &Error{Code: CodeUnavailable, Err: err}
}
