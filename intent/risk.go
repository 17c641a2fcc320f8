package intent

import "fmt"

// RiskParams is the per-timeframe risk configuration carried by a signal.
// All values are fractions of price (0.01 == 1%), except PartialExitPct
// which is the fraction of position size closed by the partial exit.
type RiskParams struct {
	SLPct                 float64 `json:"sl_pct" yaml:"sl_pct"`
	TPPct                 float64 `json:"tp_pct" yaml:"tp_pct"`
	BreakEvenPct          float64 `json:"break_even_pct" yaml:"break_even_pct"`
	TrailingActivationPct float64 `json:"trailing_activation_pct" yaml:"trailing_activation_pct"`
	TrailingDistancePct   float64 `json:"trailing_distance_pct" yaml:"trailing_distance_pct"`
	PartialExitPct        float64 `json:"partial_exit_pct" yaml:"partial_exit_pct"`
	PartialExitTriggerPct float64 `json:"partial_exit_trigger_pct,omitempty" yaml:"partial_exit_trigger_pct,omitempty"`
	TrailingUpdatePct     float64 `json:"trailing_update_pct,omitempty" yaml:"trailing_update_pct,omitempty"`
}

// DefaultRiskParams mirrors the values the strategies were tuned with.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		SLPct:                 0.01,
		TPPct:                 0.01,
		BreakEvenPct:          0.0025,
		TrailingActivationPct: 0.0035,
		TrailingDistancePct:   0.001,
	}
}

func (p RiskParams) IsZero() bool { return p == RiskParams{} }

// PartialExitEnabled reports whether a partial exit is configured.
func (p RiskParams) PartialExitEnabled() bool {
	return p.PartialExitPct > 0 && p.PartialExitTriggerPct > 0
}

func (p RiskParams) Validate() error {
	if err := inRange("sl_pct", p.SLPct, 0.001, 0.1); err != nil {
		return err
	}
	if err := inRange("tp_pct", p.TPPct, 0.001, 0.1); err != nil {
		return err
	}
	if err := inRange("break_even_pct", p.BreakEvenPct, 0.0005, 0.1); err != nil {
		return err
	}
	if err := inRange("trailing_activation_pct", p.TrailingActivationPct, 0.0005, 0.1); err != nil {
		return err
	}
	if err := inRange("trailing_distance_pct", p.TrailingDistancePct, 0.0005, 0.1); err != nil {
		return err
	}
	if p.TrailingActivationPct < p.BreakEvenPct {
		return fmt.Errorf("trailing_activation_pct (%v) must be >= break_even_pct (%v)", p.TrailingActivationPct, p.BreakEvenPct)
	}
	if p.PartialExitPct < 0 || p.PartialExitPct >= 1 {
		return fmt.Errorf("partial_exit_pct must be in [0, 1), got %v", p.PartialExitPct)
	}
	if p.PartialExitTriggerPct != 0 {
		if err := inRange("partial_exit_trigger_pct", p.PartialExitTriggerPct, 0.0005, 0.2); err != nil {
			return err
		}
		if p.PartialExitTriggerPct < p.TrailingActivationPct {
			return fmt.Errorf("partial_exit_trigger_pct must be >= trailing_activation_pct")
		}
	}
	if p.TrailingUpdatePct < 0 || p.TrailingUpdatePct > 0.01 {
		return fmt.Errorf("trailing_update_pct must be in [0, 0.01], got %v", p.TrailingUpdatePct)
	}
	return nil
}

func inRange(name string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s must be in [%v, %v], got %v", name, lo, hi, v)
	}
	return nil
}
