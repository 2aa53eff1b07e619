package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/driftline/internal/bus"
	"github.com/sawpanic/driftline/internal/classifier"
	"github.com/sawpanic/driftline/internal/correlation"
	"github.com/sawpanic/driftline/internal/detector/arb"
	"github.com/sawpanic/driftline/internal/detector/basis"
	"github.com/sawpanic/driftline/internal/detector/depeg"
	"github.com/sawpanic/driftline/internal/detector/momentum"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/infra/breakers"
	"github.com/sawpanic/driftline/internal/lifecycle"
	"github.com/sawpanic/driftline/internal/liquidity"
	"github.com/sawpanic/driftline/internal/plan"
	"github.com/sawpanic/driftline/internal/window"
)

// Config aggregates every subsystem's tuning plus the engine-level
// pipeline knobs. One yaml file configures the whole process.
type Config struct {
	Symbols []string `yaml:"symbols"`
	Venues  []string `yaml:"venues"`

	// CandidateQueue buffers detector emissions ahead of classification.
	CandidateQueue int `yaml:"candidate_queue"`

	// MinRiskAdjustedScore gates which classifications get a plan.
	MinRiskAdjustedScore float64 `yaml:"min_risk_adjusted_score"`

	MaxConcurrentTrades int `yaml:"max_concurrent_trades"`

	// CompletedHistory bounds the in-memory ring of finished trades.
	CompletedHistory int `yaml:"completed_history"`

	// Order flow budget per venue.
	OrderRPS   float64 `yaml:"order_rps"`
	OrderBurst int     `yaml:"order_burst"`

	// ArtifactsDir, when set, receives one JSON snapshot per published
	// classification.
	ArtifactsDir string `yaml:"artifacts_dir"`

	Bus         bus.Config         `yaml:"bus"`
	Windows     window.Config      `yaml:"windows"`
	Correlation correlation.Config `yaml:"correlation"`
	Depeg       depeg.Config       `yaml:"depeg"`
	Momentum    momentum.Config    `yaml:"momentum"`
	Basis       basis.Config       `yaml:"basis"`
	Arb         arb.Config         `yaml:"arbitrage"`
	Liquidity   liquidity.Config   `yaml:"liquidity"`
	Classifier  classifier.Config  `yaml:"classifier"`
	Plan        plan.Config        `yaml:"plan"`
	Lifecycle   lifecycle.Config   `yaml:"lifecycle"`
	Breakers    breakers.Config    `yaml:"breakers"`
}

// DefaultConfig assembles every subsystem default.
func DefaultConfig() Config {
	return Config{
		Symbols:              []string{"BTC", "ETH", "SOL", "ADA", "DOT", "AVAX", "USDT", "USDC", "DAI"},
		CandidateQueue:       256,
		MinRiskAdjustedScore: 40,
		MaxConcurrentTrades:  5,
		CompletedHistory:     256,
		OrderRPS:             10,
		OrderBurst:           20,
		Bus:                  bus.DefaultConfig(),
		Windows:              window.DefaultConfig(),
		Correlation:          correlation.DefaultConfig(),
		Depeg:                depeg.DefaultConfig(),
		Momentum:             momentum.DefaultConfig(),
		Basis:                basis.DefaultConfig(),
		Arb:                  arb.DefaultConfig(),
		Liquidity:            liquidity.DefaultConfig(),
		Classifier:           classifier.DefaultConfig(),
		Plan:                 plan.DefaultConfig(),
		Lifecycle:            lifecycle.DefaultConfig(),
		Breakers:             breakers.DefaultConfig(),
	}
}

// Load overlays a yaml file on the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("engine config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("engine config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Patch overlays a partial yaml document on c and validates the result.
// The receiver is untouched; callers swap on success.
func (c Config) Patch(partial []byte) (Config, error) {
	next := c
	if err := yaml.Unmarshal(partial, &next); err != nil {
		return c, fmt.Errorf("engine config: %w: %v", domain.ErrValidation, err)
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}

// Validate checks the engine knobs and every subsystem config.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("engine config: %w: symbols required", domain.ErrConfig)
	}
	if c.CandidateQueue <= 0 {
		return fmt.Errorf("engine config: %w: candidate_queue must be positive", domain.ErrConfig)
	}
	if c.MaxConcurrentTrades < 0 {
		return fmt.Errorf("engine config: %w: max_concurrent_trades must be non-negative", domain.ErrConfig)
	}
	if c.MinRiskAdjustedScore < 0 || c.MinRiskAdjustedScore > 100 {
		return fmt.Errorf("engine config: %w: min_risk_adjusted_score outside [0,100]", domain.ErrConfig)
	}
	for name, v := range map[string]interface{ Validate() error }{
		"correlation": c.Correlation,
		"depeg":       c.Depeg,
		"momentum":    c.Momentum,
		"basis":       c.Basis,
		"arbitrage":   c.Arb,
		"liquidity":   c.Liquidity,
		"classifier":  c.Classifier,
		"plan":        c.Plan,
		"lifecycle":   c.Lifecycle,
	} {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
