package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/go-redis/redis/v8"
	"github.com/tidwall/gjson"
)

// QuoteKeyPrefix is the Redis key prefix under which a price feed publishes
// the latest quote per symbol, e.g. "quote:latest:EURUSD".
const QuoteKeyPrefix = "quote:latest:"

// QuoteSource provides the latest known price for a symbol.
type QuoteSource interface {
	// Latest returns the price and whether one is known. Errors mean the
	// source itself is unavailable.
	Latest(ctx context.Context, symbol string) (float64, bool, error)
}

// RedisQuotes reads latest quotes written by an external feed.
// The value may be a bare number or a JSON object carrying bid/ask or price.
type RedisQuotes struct {
	client *goredis.Client
}

// NewRedisQuotes wraps an existing client.
func NewRedisQuotes(client *goredis.Client) *RedisQuotes {
	return &RedisQuotes{client: client}
}

// Latest implements QuoteSource.
func (q *RedisQuotes) Latest(ctx context.Context, symbol string) (float64, bool, error) {
	raw, err := q.client.Get(ctx, QuoteKeyPrefix+strings.ToUpper(symbol)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get quote %s: %w", symbol, err)
	}
	p, ok := ParseQuote(raw)
	return p, ok, nil
}

// ParseQuote extracts a price from a stored quote value. Bid/ask pairs yield
// the mid price.
func ParseQuote(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, f > 0
	}
	if !gjson.Valid(raw) {
		return 0, false
	}
	res := gjson.GetMany(raw, "bid", "ask", "price", "last")
	bid, ask := res[0], res[1]
	if bid.Exists() && ask.Exists() && bid.Float() > 0 && ask.Float() > 0 {
		return (bid.Float() + ask.Float()) / 2, true
	}
	for _, r := range res[2:] {
		if r.Exists() && r.Float() > 0 {
			return r.Float(), true
		}
	}
	return 0, false
}
