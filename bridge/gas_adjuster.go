package bridge

import (
	"context"
	"math"
	"math/big"
	"sync"

	"github.com/keeper-labs/rollup-keeper/config"
	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/external"
	"github.com/keeper-labs/rollup-keeper/logging"
	"github.com/keeper-labs/rollup-keeper/metrics"
	"github.com/keeper-labs/rollup-keeper/util"
)

const (
	// A resend must outbid the previous price by 15% to replace it.
	gasEscalationNum = 115
	gasEscalationDen = 100
	// Number of network price samples between gas price limit updates.
	gasAdjusterSamplesCap = 10
)

// GasAdjuster prices L1 transactions. Every price is clamped by a persisted
// limit so a fee market spike cannot drain the operator account; the limit
// itself trails the observed network price, rescaled every
// gasAdjusterSamplesCap samples to samples average times the configured
// scale factor.
type GasAdjuster struct {
	keeperDao db.KeeperDao
	client    external.IClient
	cfg       *config.BridgeConfig

	mu      sync.Mutex
	samples []*big.Int
	limit   *big.Int
}

func NewGasAdjuster(keeperDao db.KeeperDao, client external.IClient, cfg *config.BridgeConfig) (*GasAdjuster, error) {
	limit, err := keeperDao.GetGasPriceLimit()
	if err != nil {
		return nil, err
	}
	if cfg.InitialGasPriceLimit != "" {
		seeded, ok := util.StringToBigInt(db.DefaultGasPriceLimitWei)
		if !ok {
			panic("corrupt default gas price limit")
		}
		configured, ok := util.StringToBigInt(cfg.InitialGasPriceLimit)
		if !ok || configured.Sign() <= 0 {
			panic("invalid initial gas price limit in config")
		}
		// Only the untouched migration seed is overridden; a limit the
		// adjuster already rescaled stays authoritative.
		if limit.Cmp(seeded) == 0 && configured.Cmp(seeded) != 0 {
			if err = keeperDao.UpdateGasPriceLimit(configured); err != nil {
				return nil, err
			}
			limit = configured
		}
	}
	setLimitGauge(limit)
	return &GasAdjuster{
		keeperDao: keeperDao,
		client:    client,
		cfg:       cfg,
		samples:   make([]*big.Int, 0, gasAdjusterSamplesCap),
		limit:     limit,
	}, nil
}

// GetGasPrice returns the price for the next broadcast: the network price,
// or 15% above the last used price when that is higher, clamped by the
// limit. With lastUsed nil it prices a first attempt.
func (g *GasAdjuster) GetGasPrice(ctx context.Context, lastUsed *big.Int) (*big.Int, error) {
	network, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	price := new(big.Int).Set(network)
	if lastUsed != nil && lastUsed.Sign() > 0 {
		escalated := new(big.Int).Mul(lastUsed, big.NewInt(gasEscalationNum))
		escalated.Div(escalated, big.NewInt(gasEscalationDen))
		if escalated.Cmp(price) > 0 {
			price = escalated
		}
	}
	limit := g.GasPriceLimit()
	if price.Cmp(limit) > 0 {
		logging.Logger.Warningf("gas price %s clamped to limit %s", price.String(), limit.String())
		price = limit
	}
	return price, nil
}

// GasPriceLimit returns a copy of the current limit.
func (g *GasAdjuster) GasPriceLimit() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.limit)
}

// KeepUpdated collects one network price sample and, once enough samples
// accumulated, rescales and persists the limit. Called from the submit loop
// each tick.
func (g *GasAdjuster) KeepUpdated(ctx context.Context) error {
	network, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.samples = append(g.samples, new(big.Int).Set(network))
	if len(g.samples) < gasAdjusterSamplesCap {
		g.mu.Unlock()
		return nil
	}
	sum := new(big.Int)
	for _, sample := range g.samples {
		sum.Add(sum, sample)
	}
	average := sum.Div(sum, big.NewInt(int64(len(g.samples))))
	g.samples = g.samples[:0]
	newLimit := scaleByFactor(average, g.cfg.GetLimitScaleFactor())
	g.limit = newLimit
	g.mu.Unlock()

	if err = g.keeperDao.UpdateGasPriceLimit(newLimit); err != nil {
		return err
	}
	setLimitGauge(newLimit)
	logging.Logger.Infof("gas price limit updated to %s (average %s)", newLimit.String(), average.String())
	return nil
}

// scaleByFactor multiplies a price by a float factor using two decimal
// digits of precision. The factor is rounded, not truncated: 1.15 has no
// exact float64 representation and would otherwise scale by 114/100.
func scaleByFactor(price *big.Int, factor float64) *big.Int {
	num := big.NewInt(int64(math.Round(factor * 100)))
	scaled := new(big.Int).Mul(price, num)
	return scaled.Div(scaled, big.NewInt(100))
}

func setLimitGauge(limit *big.Int) {
	approx, _ := new(big.Float).SetInt(limit).Float64()
	metrics.GasPriceLimitGauge.Set(approx)
}
