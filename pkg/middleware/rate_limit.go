package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	limitermux "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

type RateLimitConfig struct {
	// RequestsPerPeriod requests allowed per Period (default one second).
	RequestsPerPeriod int
	Period            time.Duration
	Store             limiter.Store
}

// NewMemoryStore returns an in-process rate limit store.
func NewMemoryStore() limiter.Store {
	return memory.NewStore()
}

// NewRedisStore returns a redis-backed rate limit store so limits are
// shared across instances.
func NewRedisStore(redisURL string) (limiter.Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		// Accept bare host:port as well.
		opts = &redis.Options{Addr: redisURL}
	}
	client := redis.NewClient(opts)
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: "iam-demo:ratelimit",
	})
}

// RateLimit applies a global request rate limit.
func RateLimit(cfg RateLimitConfig) mux.MiddlewareFunc {
	period := cfg.Period
	if period == 0 {
		period = time.Second
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	instance := limiter.New(store, limiter.Rate{
		Period: period,
		Limit:  int64(cfg.RequestsPerPeriod),
	})
	mw := limitermux.NewMiddleware(instance)
	return func(next http.Handler) http.Handler {
		return mw.Handler(next)
	}
}
