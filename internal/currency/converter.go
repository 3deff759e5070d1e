package currency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wakala/settler/internal/domain"
)

// fallbackPerUSD maps currency codes to the number of local currency units
// per 1 USD. Approximate 2024 rates, used only when no live or cached rate
// exists.
var fallbackPerUSD = map[string]decimal.Decimal{
	"USD": decimal.NewFromInt(1),
	"KES": decimal.RequireFromString("129.5"),  // Kenyan Shilling
	"NGN": decimal.RequireFromString("1580.0"), // Nigerian Naira
	"ZAR": decimal.RequireFromString("18.6"),   // South African Rand
	"MXN": decimal.RequireFromString("17.1"),   // Mexican Peso
}

// Quote is an exchange rate multiplier: amount_in_to = amount_in_from * Rate.
// Stale marks a rate served from the last-known-good store or the fallback
// table after an upstream failure.
type Quote struct {
	Rate  decimal.Decimal `json:"rate"`
	AsOf  time.Time       `json:"as_of"`
	Stale bool            `json:"stale"`
}

// RateSource fetches a live exchange rate. Implementations must honor the
// context deadline.
type RateSource interface {
	Fetch(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Converter serves exchange rates with a bounded fetch timeout, a TTL cache
// and a last-known-good fallback. A slow or dead upstream degrades to stale
// rates instead of stalling settlement.
type Converter struct {
	source       RateSource
	fetchTimeout time.Duration
	cache        *expirable.LRU[string, Quote]
	log          *zap.SugaredLogger

	mu        sync.Mutex
	lastKnown map[string]Quote
}

func NewConverter(source RateSource, ttl, fetchTimeout time.Duration, log *zap.SugaredLogger) *Converter {
	return &Converter{
		source:       source,
		fetchTimeout: fetchTimeout,
		cache:        expirable.NewLRU[string, Quote](256, nil, ttl),
		lastKnown:    make(map[string]Quote),
		log:          log,
	}
}

// Rate returns a usable exchange rate from from to to. It never blocks longer
// than the fetch timeout; only the total absence of any rate (live, cached or
// fallback) is an error.
func (c *Converter) Rate(ctx context.Context, from, to string) (Quote, error) {
	if from == to {
		return Quote{Rate: decimal.NewFromInt(1), AsOf: time.Now()}, nil
	}

	key := from + "/" + to
	if q, ok := c.cache.Get(key); ok {
		return q, nil
	}

	if c.source != nil {
		fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		rate, err := c.source.Fetch(fctx, from, to)
		cancel()
		if err == nil {
			q := Quote{Rate: rate, AsOf: time.Now()}
			c.cache.Add(key, q)
			c.mu.Lock()
			c.lastKnown[key] = q
			c.mu.Unlock()
			return q, nil
		}
		c.log.Warnw("rate fetch failed, falling back", "pair", key, "error", err)
	}

	c.mu.Lock()
	q, ok := c.lastKnown[key]
	c.mu.Unlock()
	if ok {
		q.Stale = true
		return q, nil
	}

	if rate, ok := fallbackRate(from, to); ok {
		return Quote{Rate: rate, AsOf: time.Now(), Stale: true}, nil
	}

	return Quote{}, fmt.Errorf("%w: %s", domain.ErrRateUnavailable, key)
}

func fallbackRate(from, to string) (decimal.Decimal, bool) {
	fromPerUSD, okFrom := fallbackPerUSD[from]
	toPerUSD, okTo := fallbackPerUSD[to]
	if !okFrom || !okTo || fromPerUSD.IsZero() {
		return decimal.Zero, false
	}
	// units_to per unit_from, via USD.
	return toPerUSD.DivRound(fromPerUSD, 8), true
}
