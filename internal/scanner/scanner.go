// Package scanner runs the background auction-house scan: it pages through
// the upstream auction listing, decodes each auction's NBT item payload,
// aggregates the lowest buy-it-now price per item id, and ships the result
// to a time-series store.
package scanner

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Tnze/go-mc/nbt"
	"golang.org/x/sync/errgroup"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
	"github.com/NotEnoughUpdates/ursa-minor/internal/observability"
)

// auctionPage is one page of the upstream auction listing.
type auctionPage struct {
	LastUpdated int64     `json:"lastUpdated"`
	Page        int       `json:"page"`
	TotalPages  int       `json:"totalPages"`
	Auctions    []auction `json:"auctions"`
}

// auction carries only the fields the scan needs; the upstream objects are
// much larger.
type auction struct {
	UUID        string  `json:"uuid"`
	StartingBid float64 `json:"starting_bid"`
	ItemBytes   string  `json:"item_bytes"`
	BIN         bool    `json:"bin"`
	LastUpdated int64   `json:"last_updated"`
}

// needsProcessing skips auctions already covered by the previous full scan.
// An auction without a timestamp, or a first scan, always processes.
func (a auction) needsProcessing(lastFullScan int64) bool {
	if a.LastUpdated == 0 || lastFullScan == 0 {
		return true
	}
	return a.LastUpdated < lastFullScan
}

// itemHolder mirrors the gzipped NBT payload: a compound holding a one
// element item list.
type itemHolder struct {
	Items []itemStack `nbt:"i"`
}

type itemStack struct {
	Tag struct {
		ExtraAttributes struct {
			ID string `nbt:"id"`
		} `nbt:"ExtraAttributes"`
	} `nbt:"tag"`
}

// itemID decodes the base64+gzip+NBT item payload and returns the item's
// skyblock id. An empty id means the item carries no identity and is not
// priced.
func (a auction) itemID() (string, error) {
	compressed, err := base64.StdEncoding.DecodeString(a.ItemBytes)
	if err != nil {
		return "", fmt.Errorf("base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", fmt.Errorf("gzip: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("decompress: %w", err)
	}

	var holder itemHolder
	if err := nbt.Unmarshal(raw, &holder); err != nil {
		return "", fmt.Errorf("nbt: %w", err)
	}
	if len(holder.Items) == 0 {
		return "", fmt.Errorf("empty item list")
	}
	return holder.Items[len(holder.Items)-1].Tag.ExtraAttributes.ID, nil
}

// PriceWriter ships an aggregated price snapshot to a time-series store.
type PriceWriter interface {
	WritePrices(ctx context.Context, prices map[string]float64, ts time.Time) error
}

// Scanner pages through the auction listing on a fixed cadence.
type Scanner struct {
	client        *http.Client
	auctionsURL   string
	concurrency   int64
	scanInterval  time.Duration
	retryInterval time.Duration
	writer        PriceWriter
	logger        *slog.Logger
	metrics       *observability.Metrics

	lastFullScan int64 // ms, zero before the first successful cycle
}

// New creates a scanner from config. writer receives each completed cycle's
// aggregated prices.
func New(cfg config.ScannerConfig, writer PriceWriter, logger *slog.Logger, metrics *observability.Metrics) *Scanner {
	concurrency := cfg.PageConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Scanner{
		client:        &http.Client{Timeout: 30 * time.Second},
		auctionsURL:   cfg.AuctionsURL,
		concurrency:   concurrency,
		scanInterval:  config.ParseDuration(cfg.ScanInterval, 65*time.Second),
		retryInterval: config.ParseDuration(cfg.RetryInterval, 30*time.Second),
		writer:        writer,
		logger:        logger.With("component", "scanner"),
		metrics:       metrics,
	}
}

// Run loops until the context is cancelled. A successful cycle schedules
// the next one relative to the listing's own lastUpdated timestamp, so the
// scan lands just after the upstream refresh; a failed cycle retries on a
// fixed backoff.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("auction scan loop started")
	var wait time.Duration
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("auction scan loop stopped")
			return
		case <-time.After(wait):
		}

		lastUpdated, err := s.scanOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.metrics.IncScanFailures()
			s.logger.Error("auction scan failed", "error", err)
			wait = s.retryInterval
			continue
		}

		s.lastFullScan = lastUpdated
		s.metrics.IncScanCycles()
		next := time.UnixMilli(lastUpdated).Add(s.scanInterval)
		wait = time.Until(next)
		if wait < 0 {
			wait = 0
		}
		s.logger.Info("auction scan complete", "last_updated", lastUpdated, "next_in", wait)
	}
}

// scanOnce fetches every page, aggregates lowest BIN prices, and writes the
// snapshot. Returns the listing's lastUpdated timestamp.
func (s *Scanner) scanOnce(ctx context.Context) (int64, error) {
	initial, err := s.fetchPage(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("page 0: %w", err)
	}
	if initial.LastUpdated == 0 {
		return 0, fmt.Errorf("listing has no lastUpdated timestamp")
	}

	prices := make(map[string]float64)
	var mu sync.Mutex
	s.aggregate(prices, &mu, initial)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(s.concurrency))
	for page := 1; page < initial.TotalPages; page++ {
		g.Go(func() error {
			p, err := s.fetchPage(gctx, page)
			if err != nil {
				return fmt.Errorf("page %d: %w", page, err)
			}
			s.aggregate(prices, &mu, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := s.writer.WritePrices(ctx, prices, time.Now()); err != nil {
		return 0, fmt.Errorf("writing prices: %w", err)
	}
	return initial.LastUpdated, nil
}

// aggregate folds a page's BIN auctions into the running lowest-price map.
func (s *Scanner) aggregate(prices map[string]float64, mu *sync.Mutex, page auctionPage) {
	for _, a := range page.Auctions {
		if !a.BIN || !a.needsProcessing(s.lastFullScan) {
			continue
		}
		id, err := a.itemID()
		if err != nil {
			s.logger.Debug("skipping unparseable auction", "auction", a.UUID, "error", err)
			continue
		}
		if id == "" {
			continue
		}
		mu.Lock()
		if cur, ok := prices[id]; !ok || a.StartingBid < cur {
			prices[id] = a.StartingBid
		}
		mu.Unlock()
	}
}

// fetchPage GETs one listing page. A 404 is an empty page, not an error;
// the upstream trims its page count between refreshes.
func (s *Scanner) fetchPage(ctx context.Context, page int) (auctionPage, error) {
	u, err := url.Parse(s.auctionsURL)
	if err != nil {
		return auctionPage{}, fmt.Errorf("auctions url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return auctionPage{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return auctionPage{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return auctionPage{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return auctionPage{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	var p auctionPage
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return auctionPage{}, fmt.Errorf("decoding page: %w", err)
	}
	return p, nil
}
