package chart

import (
	"context"
	"math"
	"net/http"

	"stealthcompany.com/chartprep/internal/auth"
	"stealthcompany.com/chartprep/internal/sources"
	"stealthcompany.com/chartprep/internal/transport"
)

// NewClientFactory returns the standard factory: it validates the source,
// builds its auth strategy (sharing cache across bearer-token sources) and
// wraps it in an Executor. A nil cache gets a fresh one; a nil httpClient
// uses the executor's instrumented default. execOpts apply to every source.
func NewClientFactory(cache *auth.TokenCache, httpClient *http.Client, execOpts ...transport.Option) ClientFactory {
	if cache == nil {
		cache = auth.NewTokenCache()
	}

	return func(ctx context.Context, def sources.Definition) (*Client, error) {
		if err := def.Validate(); err != nil {
			return nil, err
		}

		strategy, err := auth.BuildStrategy(ctx, def.ID, def.Auth, cache, httpClient)
		if err != nil {
			return nil, err
		}

		opts := make([]transport.Option, 0, len(execOpts)+2)
		if httpClient != nil {
			opts = append(opts, transport.WithHTTPClient(httpClient))
		}
		if def.RateLimit > 0 {
			opts = append(opts, transport.WithRateLimit(def.RateLimit, int(math.Ceil(def.RateLimit))))
		}
		opts = append(opts, execOpts...)

		return NewClient(def, transport.NewExecutor(def.ID, strategy, opts...)), nil
	}
}
