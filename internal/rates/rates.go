// Package rates polls an exchange order book and caches the current ask
// price. Every ledger entry is stamped with the rate current at
// settlement time.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

type Poller struct {
	url      string
	currency string
	interval time.Duration
	client   *http.Client
	logger   *log.Logger

	mu  sync.RWMutex
	ask float64
}

func NewPoller(url, currency string, interval time.Duration, logger *log.Logger) *Poller {
	return &Poller{
		url:      url,
		currency: currency,
		interval: interval,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}
}

func (p *Poller) Ask() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ask
}

func (p *Poller) Currency() string {
	return p.currency
}

// Run fetches immediately, then on every tick until ctx is done. Fetch
// failures keep the previous snapshot.
func (p *Poller) Run(ctx context.Context) {
	if err := p.fetch(ctx); err != nil {
		p.logger.Printf("rates: initial fetch failed: %v", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.fetch(ctx); err != nil {
				p.logger.Printf("rates: fetch failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// orderBook is the subset of the exchange response we read: the best ask
// is the first [price, volume] pair.
type orderBook struct {
	Asks [][]json.Number `json:"asks"`
}

func (p *Poller) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var book orderBook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return err
	}
	if len(book.Asks) == 0 || len(book.Asks[0]) == 0 {
		return fmt.Errorf("empty order book")
	}

	ask, err := book.Asks[0][0].Float64()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.ask = ask
	p.mu.Unlock()
	p.logger.Printf("rates: ask price %s %.2f", p.currency, ask)
	return nil
}
