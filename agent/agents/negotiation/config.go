package negotiation

import (
	"fmt"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
)

type Config struct {
	// FloorRatio sets F = P * FloorRatio when FloorAbsolute is zero.
	FloorRatio    float64   `split_words:"true" default:"0.8"`
	FloorAbsolute float64   `split_words:"true" default:"0"`
	Steps         []float64 `split_words:"true" default:"0.05,0.05,0.03,0.02,0.01"`
	MaxRounds     int       `split_words:"true" default:"5"`
	// DefaultReferencePrice is used when the listing price is unknown.
	DefaultReferencePrice float64 `split_words:"true" default:"0"`
}

func DefaultConfig() Config {
	return Config{
		FloorRatio: 0.8,
		Steps:      []float64{0.05, 0.05, 0.03, 0.02, 0.01},
		MaxRounds:  5,
	}
}

func (c Config) Validate() error {
	if c.FloorAbsolute < 0 {
		return fmt.Errorf("%w: floor absolute must be >= 0", contractx.ErrValidation)
	}
	if c.FloorAbsolute == 0 && (c.FloorRatio <= 0 || c.FloorRatio > 1) {
		return fmt.Errorf("%w: floor ratio must be in (0, 1], got %v", contractx.ErrValidation, c.FloorRatio)
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", contractx.ErrValidation)
	}
	for i, s := range c.Steps {
		if s <= 0 || s >= 1 {
			return fmt.Errorf("%w: step[%d]=%v must be in (0, 1)", contractx.ErrValidation, i, s)
		}
		if i > 0 && s > c.Steps[i-1] {
			return fmt.Errorf("%w: steps must not grow, step[%d]=%v > step[%d]=%v", contractx.ErrValidation, i, s, i-1, c.Steps[i-1])
		}
	}
	if c.MaxRounds < 1 {
		return fmt.Errorf("%w: max rounds must be >= 1", contractx.ErrValidation)
	}
	return nil
}

// floor derives F for reference price p.
func (c Config) floor(p float64) float64 {
	if c.FloorAbsolute > 0 {
		if c.FloorAbsolute > p {
			return p
		}
		return c.FloorAbsolute
	}
	return roundCents(p * c.FloorRatio)
}

// step is the concession for the given zero-based round.
func (c Config) step(p float64, round int) float64 {
	if round >= len(c.Steps) {
		round = len(c.Steps) - 1
	}
	if round < 0 {
		round = 0
	}
	return p * c.Steps[round]
}
