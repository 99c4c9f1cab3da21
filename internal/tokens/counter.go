// Package tokens counts tokens for the context engine.
//
// Counts come from a BPE encoder (cl100k_base) with ranks loaded from an
// embedded table, so counting never touches the network. Results are cached
// by content hash. If the encoder cannot be built, the counter degrades to
// the chars/4 heuristic for its whole lifetime.
package tokens

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"go.uber.org/zap"
)

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// DefaultCacheSize is the cache ceiling used when none is configured.
const DefaultCacheSize = 10_000

// Encoder turns text into a token count.
type Encoder interface {
	Count(text string) int
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(string) int

// Count implements Encoder.
func (f EncoderFunc) Count(text string) int { return f(text) }

// Estimator is the heuristic encoder: ceil(len/4).
var Estimator Encoder = EncoderFunc(Estimate)

var loaderOnce sync.Once

type bpeEncoder struct {
	enc *tiktoken.Tiktoken
}

func (b bpeEncoder) Count(text string) int {
	return len(b.enc.Encode(text, []string{"all"}, nil))
}

// NewBPE returns the precise encoder for the named encoding.
func NewBPE(encoding string) (Encoder, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return bpeEncoder{enc: enc}, nil
}

// Options configures a Counter.
type Options struct {
	Encoding  string
	CacheSize int
	// Encoder overrides the BPE encoder; tests use it to observe calls.
	Encoder Encoder
	// EstimateOnly forces the heuristic.
	EstimateOnly bool
	Logger       *zap.Logger
}

// Counter is a cached, concurrency-safe token counter.
type Counter struct {
	enc   Encoder
	cache *Cache
	exact bool
}

// NewCounter builds a Counter. It never fails: a missing encoder means the
// heuristic is used.
func NewCounter(opts Options) *Counter {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}

	c := &Counter{cache: NewCache(size)}
	switch {
	case opts.Encoder != nil:
		c.enc, c.exact = opts.Encoder, true
	case opts.EstimateOnly:
		c.enc = Estimator
	default:
		enc, err := NewBPE(opts.Encoding)
		if err != nil {
			log.Warn("token encoder unavailable, using estimate",
				zap.String("encoding", opts.Encoding), zap.Error(err))
			c.enc = Estimator
		} else {
			c.enc, c.exact = enc, true
		}
	}
	return c
}

// Count returns the token count of text, consulting the cache first.
// Counting the same text twice returns the same value.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	key := Key(text)
	if n, ok := c.cache.Get(key); ok {
		return n
	}
	n := c.enc.Count(text)
	c.cache.Put(key, n)
	return n
}

// CountBatch counts each text independently.
func (c *Counter) CountBatch(texts []string) []int {
	out := make([]int, len(texts))
	for i, t := range texts {
		out[i] = c.Count(t)
	}
	return out
}

// Exceeds reports whether text is over limit tokens. The estimate settles
// the clear cases (under half the limit, over twice the limit); only the
// band in between pays for a precise count.
func (c *Counter) Exceeds(text string, limit int) bool {
	est := Estimate(text)
	switch {
	case est < limit/2:
		return false
	case est > limit*2:
		return true
	}
	return c.Count(text) > limit
}

// Precise reports whether counts come from a real encoder.
func (c *Counter) Precise() bool { return c.exact }

// Stats returns cache statistics.
func (c *Counter) Stats() CacheStats { return c.cache.Stats() }

// Reset empties the cache and zeroes its statistics.
func (c *Counter) Reset() { c.cache.Reset() }

// Estimate is the fast heuristic: one token per four bytes, rounded up.
func Estimate(text string) int {
	return (len(text) + 3) / 4
}
