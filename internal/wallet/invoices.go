package wallet

import (
	"context"
	"time"

	"satbank/internal/ledger"
	"satbank/internal/lnode"
)

const resubscribeDelay = 5 * time.Second

// AddInvoice issues a payment request on the invoice node and registers
// the pending entry the settlement listener will later match.
func (e *Engine) AddInvoice(ctx context.Context, username string, amountSat int64) (lnode.Invoice, error) {
	if amountSat <= 0 {
		return lnode.Invoice{}, ledger.Validationf("Amount must be positive")
	}
	if _, err := e.store.UserByName(ctx, username); err != nil {
		return lnode.Invoice{}, err
	}

	invoice, err := e.invNode.AddInvoice(ctx, amountSat)
	if err != nil {
		return lnode.Invoice{}, err
	}

	rate, currency := e.rateSnapshot()
	err = e.store.CreateEntry(ctx, &ledger.Entry{
		Username:   username,
		Identifier: invoice.PaymentRequest,
		Amount:     amountSat,
		Rate:       rate,
		Currency:   currency,
		Received:   false,
	})
	if err != nil {
		return lnode.Invoice{}, err
	}
	return invoice, nil
}

// RunSettlements consumes the settlement stream of one node until ctx is
// done, resubscribing whenever the stream breaks.
func (e *Engine) RunSettlements(ctx context.Context, node lnode.Node) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		settlements, errCh, err := node.SubscribeSettlements(ctx)
		if err != nil {
			e.logger.Printf("invoices: %s subscribe failed: %v", node.Name(), err)
			select {
			case <-time.After(resubscribeDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

	consume:
		for {
			select {
			case s, ok := <-settlements:
				if !ok {
					break consume
				}
				e.settle(ctx, s)
			case err := <-errCh:
				e.logger.Printf("invoices: %s stream ended: %v", node.Name(), err)
				break consume
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(resubscribeDelay):
		case <-ctx.Done():
			return
		}
	}
}

// settle matches a settled invoice to its previously issued entry.
// Unknown invoices are ignored; entries already marked received make the
// settle call a no-op, which absorbs duplicate deliveries across nodes
// and reconnects.
func (e *Engine) settle(ctx context.Context, s lnode.Settlement) {
	entry, settled, err := e.store.SettleInvoice(ctx, s.PaymentRequest, s.AmountSat)
	if err != nil {
		e.logger.Printf("invoices: settle %s failed: %v", s.Hash, err)
		return
	}
	if !settled {
		return
	}

	e.logger.Printf("invoices: credited %d sat to %s", s.AmountSat, entry.Username)
	e.notifier.Notify(entry.Username, "invoice", map[string]any{
		"payment_request": s.PaymentRequest,
		"amount":          s.AmountSat,
	})
}
