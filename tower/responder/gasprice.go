package responder

import (
	"context"
	"math/big"
	"time"

	"github.com/PISAresearch/pisa/config/params"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

const suggestedPriceKey = "suggested-gas-price"

// PriceClient supplies the provider's current gas price suggestion.
type PriceClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasEstimator caches the provider's suggested gas price so that a burst of
// responses does not turn into a burst of provider calls.
type GasEstimator struct {
	client PriceClient
	cache  *gocache.Cache
}

// NewGasEstimator constructs an estimator with the configured cache TTL.
func NewGasEstimator(client PriceClient) *GasEstimator {
	ttl := time.Duration(params.TowerConfig().GasPriceCacheSeconds) * time.Second
	return &GasEstimator{
		client: client,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// Suggest returns the current gas price suggestion, served from cache while
// fresh. The returned value is the caller's to keep.
func (e *GasEstimator) Suggest(ctx context.Context) (*big.Int, error) {
	if cached, ok := e.cache.Get(suggestedPriceKey); ok {
		return new(big.Int).Set(cached.(*big.Int)), nil
	}
	price, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch suggested gas price")
	}
	e.cache.SetDefault(suggestedPriceKey, new(big.Int).Set(price))
	return price, nil
}

// ReplacementPrice is the lowest gas price at which the provider accepts a
// replacement for a transaction currently priced at current. The result is
// always strictly above current so repricing cannot stall.
func ReplacementPrice(current *big.Int) *big.Int {
	bump := params.TowerConfig().ReplacementPriceBump
	price := new(big.Int).Mul(current, big.NewInt(int64(100+bump)))
	price.Div(price, big.NewInt(100))
	if price.Cmp(current) <= 0 {
		price.Add(current, big.NewInt(1))
	}
	return price
}
