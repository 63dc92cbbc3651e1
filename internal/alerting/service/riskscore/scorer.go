// Package riskscore turns a metrics snapshot into a coarse risk level. The
// metrics themselves are computed upstream; this package only bands them.
package riskscore

import (
	"encoding/json"
	"strconv"

	"github.com/qiniu/riskalert/internal/alerting/model"
)

type Level string

const (
	LevelSafe      Level = "safe"
	LevelAttention Level = "attention"
	LevelWarning   Level = "warning"
	LevelDanger    Level = "danger"
)

// Severity maps a risk level onto an alert severity. ok is false for safe.
func (l Level) Severity() (model.Severity, bool) {
	switch l {
	case LevelAttention:
		return model.SeverityInfo, true
	case LevelWarning:
		return model.SeverityWarning, true
	case LevelDanger:
		return model.SeverityCritical, true
	}
	return "", false
}

// Scorer is implemented by whatever produces risk levels; BandScorer is the
// reference implementation.
type Scorer interface {
	ComputeRiskLevel(metrics map[string]any) Level
}

// Assessor is implemented by scorers that can explain their level.
type Assessor interface {
	Assess(metrics map[string]any) Assessment
}

// Metric names read by BandScorer.
const (
	MetricVolatility    = "volatility"
	MetricLiquidity     = "liquidity_ratio"
	MetricConcentration = "concentration_hhi"
	MetricVaR           = "var_1d_95"
	MetricRSI           = "rsi"
)

// band maps a value to a score: the score of the first upper bound the value is below.
type band struct {
	below float64
	score float64
}

type bands []band

func (b bands) score(v float64) float64 {
	for _, x := range b {
		if v < x.below {
			return x.score
		}
	}
	return 100
}

var (
	volatilityBands    = bands{{0.15, 10}, {0.25, 30}, {0.40, 60}, {0.60, 80}}
	liquidityBands     = bands{{0.05, 10}, {0.10, 30}, {0.20, 60}, {0.50, 80}}
	concentrationBands = bands{{0.10, 10}, {0.18, 30}, {0.25, 60}, {0.40, 80}}
	varBands           = bands{{0.02, 10}, {0.04, 30}, {0.06, 60}, {0.08, 80}}
)

// Assessment is the detailed scorer output.
type Assessment struct {
	Score     float64            `json:"score"`
	Level     Level              `json:"level"`
	SubScores map[string]float64 `json:"subScores"`
}

// BandScorer bands each risk dimension into 0..100 and keeps the worst one.
// Missing metrics contribute 0.
type BandScorer struct{}

func (BandScorer) ComputeRiskLevel(metrics map[string]any) Level {
	return BandScorer{}.Assess(metrics).Level
}

func (BandScorer) Assess(metrics map[string]any) Assessment {
	sub := map[string]float64{
		MetricVolatility:    scoreWith(metrics, MetricVolatility, volatilityBands.score),
		MetricLiquidity:     scoreWith(metrics, MetricLiquidity, liquidityBands.score),
		MetricConcentration: scoreWith(metrics, MetricConcentration, concentrationBands.score),
		MetricVaR:           scoreWith(metrics, MetricVaR, varBands.score),
		MetricRSI:           scoreWith(metrics, MetricRSI, rsiScore),
	}
	score := 0.0
	for _, s := range sub {
		score = max(score, s)
	}
	return Assessment{Score: score, Level: LevelFor(score), SubScores: sub}
}

// LevelFor maps a 0..100 score to a level.
func LevelFor(score float64) Level {
	switch {
	case score < 25:
		return LevelSafe
	case score < 50:
		return LevelAttention
	case score < 75:
		return LevelWarning
	default:
		return LevelDanger
	}
}

// rsiScore flags overbought and oversold readings.
func rsiScore(rsi float64) float64 {
	switch {
	case rsi >= 80 || rsi <= 20:
		return 80
	case rsi >= 70 || rsi <= 30:
		return 50
	default:
		return 10
	}
}

func scoreWith(metrics map[string]any, key string, fn func(float64) float64) float64 {
	v, ok := number(metrics[key])
	if !ok {
		return 0
	}
	return fn(v)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
