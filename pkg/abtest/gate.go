package abtest

import (
	"fmt"
	"math"
)

// ArmStats summarizes fed-back decisions for one experiment arm.
type ArmStats struct {
	Samples   int
	Successes int
}

// Rate returns the observed success proportion.
func (s ArmStats) Rate() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Samples)
}

// PromotionGate decides whether a treatment arm has shown enough evidence
// to replace production. All three conditions must hold: sample floor on
// both arms, absolute lift, and a one-sided two-proportion z-test at Alpha.
type PromotionGate struct {
	MinSamples int
	MinLift    float64
	Alpha      float64
}

// GateDecision explains the gate's verdict.
type GateDecision struct {
	Promote     bool
	Lift        float64
	ZScore      float64
	PValue      float64
	ControlRate float64
	TreatRate   float64
	Reason      string
}

// Evaluate compares the treatment arm against control.
func (g PromotionGate) Evaluate(control, treatment ArmStats) GateDecision {
	d := GateDecision{
		ControlRate: control.Rate(),
		TreatRate:   treatment.Rate(),
	}
	d.Lift = d.TreatRate - d.ControlRate

	if control.Samples < g.MinSamples || treatment.Samples < g.MinSamples {
		d.Reason = fmt.Sprintf("insufficient samples (control %d, treatment %d, need %d)",
			control.Samples, treatment.Samples, g.MinSamples)
		return d
	}
	if d.Lift < g.MinLift {
		d.Reason = fmt.Sprintf("lift %.4f below threshold %.4f", d.Lift, g.MinLift)
		return d
	}

	// Pooled two-proportion z-test, one-sided: H1 is treatment > control.
	n1 := float64(control.Samples)
	n2 := float64(treatment.Samples)
	pooled := float64(control.Successes+treatment.Successes) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		d.Reason = "degenerate arms (zero pooled variance)"
		return d
	}
	d.ZScore = d.Lift / se
	d.PValue = 1 - normalCDF(d.ZScore)

	if d.PValue >= g.Alpha {
		d.Reason = fmt.Sprintf("not significant (p=%.4f, alpha=%.4f)", d.PValue, g.Alpha)
		return d
	}

	d.Promote = true
	d.Reason = fmt.Sprintf("lift %.4f significant (z=%.2f, p=%.4f)", d.Lift, d.ZScore, d.PValue)
	return d
}

func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}
