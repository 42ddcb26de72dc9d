package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/signalline/qscore/pkg/contracts"
)

// compare fills the comparison block from two evaluations of the same
// prepared input. Match means every output agrees; numeric deltas use the
// document results.
func compare(cmp *contracts.ShadowComparison, primary, secondary *contracts.Evaluation) {
	cmp.Match = true
	var diffKeys []string
	for key, pv := range primary.Outputs {
		sv, ok := secondary.Outputs[key]
		if !ok || fmt.Sprintf("%v", pv) != fmt.Sprintf("%v", sv) {
			cmp.Match = false
			diffKeys = append(diffKeys, key)
		}
	}
	for key := range secondary.Outputs {
		if _, ok := primary.Outputs[key]; !ok {
			cmp.Match = false
			diffKeys = append(diffKeys, key)
		}
	}
	sort.Strings(diffKeys)
	cmp.CategoricalKeys = diffKeys

	if pn, ok := toNumber(primary.Result); ok {
		if sn, ok := toNumber(secondary.Result); ok {
			cmp.ScoreDelta = sn - pn
		}
	}
	cmp.ConfidenceDelta = secondary.Confidence - primary.Confidence
}

// keyFactors picks the top-n breakdown steps by numeric magnitude,
// skipping confidence bookkeeping, and renders them step=value.
func keyFactors(breakdown []contracts.BreakdownStep, n int) []string {
	type factor struct {
		step string
		abs  float64
		val  float64
	}
	var factors []factor
	for _, st := range breakdown {
		if st.Step == "confidence" || strings.HasPrefix(st.Step, "penalty:") {
			continue
		}
		v, ok := toNumber(st.Value)
		if !ok {
			continue
		}
		abs := v
		if abs < 0 {
			abs = -abs
		}
		factors = append(factors, factor{step: st.Step, abs: abs, val: v})
	}
	sort.SliceStable(factors, func(i, j int) bool { return factors[i].abs > factors[j].abs })
	if len(factors) > n {
		factors = factors[:n]
	}

	out := make([]string, 0, len(factors))
	for _, f := range factors {
		out = append(out, fmt.Sprintf("%s=%v", f.step, f.val))
	}
	return out
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
