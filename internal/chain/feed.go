// Package chain connects the wallet to bitcoind: the ZMQ rawtx/rawblock
// feed the watchers consume, and raw-transaction lookups for fee
// computation.
package chain

import (
	"io"
	"log"
	"net"
	"time"

	"github.com/lightninglabs/gozmq"
)

const (
	rawBlockCommand = "rawblock"
	rawTxCommand    = "rawtx"

	// bitcoind raw blocks top out at 4MB; transactions get the same
	// ceiling.
	maxRawMsgSize = 4e6

	seqNumLen = 4

	zmqPollInterval = 100 * time.Millisecond
)

// Handler receives raw feed events. Implementations must treat every
// event as possibly duplicated or out of order.
type Handler interface {
	HandleRawTx(raw []byte)
	HandleRawBlock(raw []byte)
}

// Feed owns the two ZMQ subscriptions to bitcoind. Blocks and
// transactions use separate connections so a burst of one never starves
// the other.
type Feed struct {
	blockConn *gozmq.Conn
	txConn    *gozmq.Conn
	logger    *log.Logger
	quit      chan struct{}
}

func NewFeed(zmqBlockHost, zmqTxHost string, logger *log.Logger) (*Feed, error) {
	blockConn, err := gozmq.Subscribe(
		zmqBlockHost, []string{rawBlockCommand}, zmqPollInterval,
	)
	if err != nil {
		return nil, err
	}

	txConn, err := gozmq.Subscribe(
		zmqTxHost, []string{rawTxCommand}, zmqPollInterval,
	)
	if err != nil {
		blockConn.Close()
		return nil, err
	}

	return &Feed{
		blockConn: blockConn,
		txConn:    txConn,
		logger:    logger,
		quit:      make(chan struct{}),
	}, nil
}

// Run starts both receive loops and blocks until Close.
func (f *Feed) Run(handler Handler) {
	done := make(chan struct{}, 2)
	go func() {
		f.receiveLoop(f.txConn, rawTxCommand, handler.HandleRawTx)
		done <- struct{}{}
	}()
	go func() {
		f.receiveLoop(f.blockConn, rawBlockCommand, handler.HandleRawBlock)
		done <- struct{}{}
	}()
	<-done
	<-done
}

func (f *Feed) Close() error {
	close(f.quit)
	err := f.txConn.Close()
	if blockErr := f.blockConn.Close(); err == nil {
		err = blockErr
	}
	return err
}

// receiveLoop reads topic/data/sequence frames off one ZMQ connection and
// hands the payload to deliver. Poll timeouts are expected; any other
// per-message failure is logged and the loop keeps going.
func (f *Feed) receiveLoop(conn *gozmq.Conn, command string, deliver func([]byte)) {
	f.logger.Printf("chain: listening for %s events via zmq", command)

	topic := make([]byte, len(command))
	seqNum := make([]byte, seqNumLen)
	data := make([]byte, maxRawMsgSize)

	for {
		select {
		case <-f.quit:
			return
		default:
		}

		bufs, err := conn.Receive([][]byte{topic, data, seqNum})
		if err != nil {
			if err == io.EOF {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			f.logger.Printf("chain: zmq %s receive: %v", command, err)
			continue
		}
		if len(bufs) < 2 || string(bufs[0]) != command {
			continue
		}

		payload := make([]byte, len(bufs[1]))
		copy(payload, bufs[1])
		deliver(payload)
	}
}
