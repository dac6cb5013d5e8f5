package wallet

import (
	"context"

	"satbank/internal/lnode"
)

// ChannelOpenResult reports the committed funding of a new channel.
type ChannelOpenResult struct {
	ChannelID string `json:"channel"`
	Peer      string `json:"peer"`
	AmountSat int64  `json:"amount"`
}

// OpenChannel walks the node's configured peers in order, skipping peers
// that already have a pending channel and peers that rejected this
// request as busy, and funds a channel with the first one that accepts.
// The balance transition commits exactly once, on the first pending
// event of the winning attempt; the whole request is bounded by the peer
// count and a deadline.
func (e *Engine) OpenChannel(ctx context.Context, node lnode.Node, username string) (ChannelOpenResult, error) {
	mu := e.userLock(username)
	mu.Lock()
	defer mu.Unlock()

	user, err := e.store.UserByName(ctx, username)
	if err != nil {
		return ChannelOpenResult{}, err
	}
	if user.Balance < e.minFunding {
		return ChannelOpenResult{}, ErrInsufficientFunds
	}

	amount := user.Balance
	if amount > e.maxFunding {
		amount = e.maxFunding
	}

	openCtx, cancel := context.WithTimeout(ctx, e.openTimeout)
	defer cancel()

	peers := node.Peers()
	excluded := map[string]struct{}{}

	for attempt := 0; attempt < len(peers); attempt++ {
		peer, err := e.selectPeer(openCtx, node, excluded)
		if err != nil {
			return ChannelOpenResult{}, err
		}

		result, retry, err := e.openWithPeer(openCtx, node, username, peer, amount)
		if err == nil {
			return result, nil
		}
		if !retry {
			return ChannelOpenResult{}, err
		}

		e.logger.Printf("channel: peer %s busy, excluding and retrying", peer)
		excluded[peer] = struct{}{}
	}

	return ChannelOpenResult{}, ErrNoPeerAvailable
}

// selectPeer picks the first configured peer that is neither excluded by
// this request nor already the target of a pending channel on the node.
func (e *Engine) selectPeer(ctx context.Context, node lnode.Node, excluded map[string]struct{}) (string, error) {
	pending, err := node.PendingChannelPeers(ctx)
	if err != nil {
		return "", err
	}
	busy := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		busy[p] = struct{}{}
	}

	for _, peer := range node.Peers() {
		if _, ok := excluded[peer]; ok {
			continue
		}
		if _, ok := busy[peer]; ok {
			continue
		}
		return peer, nil
	}
	return "", ErrNoPeerAvailable
}

// openWithPeer runs a single open attempt to its terminal outcome. retry
// is true only for the peer-busy error class.
func (e *Engine) openWithPeer(ctx context.Context, node lnode.Node, username, peer string, amount int64) (ChannelOpenResult, bool, error) {
	stream, err := node.OpenChannel(ctx, peer, amount)
	if err != nil {
		return ChannelOpenResult{}, lnode.IsPeerBusy(err), err
	}
	defer stream.Close()

	// Committing on the first pending event and closing the stream on
	// return is the one-shot guard: any further events for this request
	// are never consumed, so they cannot re-run the transition.
	for {
		event, err := stream.Recv()
		if err != nil {
			return ChannelOpenResult{}, lnode.IsPeerBusy(err), err
		}
		if !event.Pending {
			continue
		}

		if err := e.store.ShiftBalance(ctx, username, -amount, amount, event.ChannelID); err != nil {
			return ChannelOpenResult{}, false, err
		}

		result := ChannelOpenResult{
			ChannelID: event.ChannelID,
			Peer:      peer,
			AmountSat: amount,
		}
		e.logger.Printf("channel: funded %d sat with %s (tx %s)", amount, peer, event.ChannelID)
		e.notifier.Notify(username, "channel", result)
		return result, false, nil
	}
}
