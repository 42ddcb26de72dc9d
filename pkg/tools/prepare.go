package tools

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/signalline/qscore/pkg/contracts"
)

// SLA bounds per tool class.
const (
	strictSLA   = 2 * time.Second
	assistedSLA = 5 * time.Second
)

// Penalty names declared in the seed documents. Preparation reports a
// penalty only when the document declares it; undeclared names are ignored
// by the interpreter.
const (
	penaltyDefaults           = "defaults_applied"
	penaltyMissingSize        = "missing_size"
	penaltySeniorityInferred  = "seniority_inferred"
	penaltyDepartmentInferred = "department_inferred"
	penaltyShortTitle         = "short_title"
	penaltySignalInFuture     = "signal_in_future"
)

var foldCaser = cases.Fold()

// canonicalValue folds v against a canonical value set so that "free zone"
// and "Free Zone" address the same mapping key. Unrecognized values pass
// through unchanged and land on the document's declared default.
func canonicalValue(v string, canon []string) string {
	fv := foldCaser.String(strings.TrimSpace(v))
	for _, c := range canon {
		if foldCaser.String(c) == fv {
			return c
		}
	}
	return v
}

var (
	canonSectors     = []string{"Private", "Semi-Government", "Government"}
	canonLicenses    = []string{"Free Zone", "Mainland", "Offshore"}
	canonIndustries  = []string{"Technology", "Finance", "Healthcare", "Retail", "Construction", "Government"}
	canonSeniorities = []string{"C-Level", "VP", "Director", "Manager", "Individual"}
	canonDepartments = []string{"HR", "Finance", "Operations"}
	canonVelocities  = []string{"high", "medium", "low"}
)

func companyQualityDef() *Definition {
	return &Definition{
		Name:        CompanyQuality,
		Strict:      true,
		SLA:         strictSLA,
		inputFields: []string{"name", "industry", "size", "license_type", "sector", "locale", "signals", "salary_level"},
		prepare: func(in map[string]interface{}) *Prepared {
			p := &Prepared{Input: in}

			if _, ok := in["size"]; !ok {
				in["size"] = 0.0
				p.DefaultsApplied = append(p.DefaultsApplied, "size")
				p.Penalties = append(p.Penalties, penaltyMissingSize)
				p.PreSteps = append(p.PreSteps, defaultStep("size", 0.0))
			}
			defaulted := false
			for _, field := range []string{"industry", "license_type", "sector"} {
				if _, ok := in[field]; !ok {
					in[field] = "Unknown"
					p.DefaultsApplied = append(p.DefaultsApplied, field)
					p.PreSteps = append(p.PreSteps, defaultStep(field, "Unknown"))
					defaulted = true
				}
			}
			if defaulted {
				p.Penalties = append(p.Penalties, penaltyDefaults)
			}

			canonField(in, "industry", canonIndustries)
			canonField(in, "license_type", canonLicenses)
			canonField(in, "sector", canonSectors)
			return p
		},
	}
}

func contactTierDef() *Definition {
	return &Definition{
		Name:        ContactTier,
		Strict:      true,
		SLA:         strictSLA,
		inputFields: []string{"title", "seniority", "department", "company_size", "velocity", "maturity"},
		prepare: func(in map[string]interface{}) *Prepared {
			p := &Prepared{Input: in}
			title, _ := in["title"].(string)

			if len(strings.Fields(title)) <= 1 {
				p.Penalties = append(p.Penalties, penaltyShortTitle)
				p.PreSteps = append(p.PreSteps, contracts.BreakdownStep{
					Step:   "short_title",
					Value:  title,
					Reason: "title has at most one token",
				})
			}

			if s, ok := in["seniority"].(string); ok && s != "" {
				in["seniority"] = canonicalValue(s, canonSeniorities)
			} else {
				inferred := inferSeniority(title)
				in["seniority"] = inferred
				p.Penalties = append(p.Penalties, penaltySeniorityInferred)
				p.PreSteps = append(p.PreSteps, inferredStep("seniority", inferred, title))
			}

			if d, ok := in["department"].(string); ok && d != "" {
				in["department"] = canonicalValue(d, canonDepartments)
			} else {
				inferred := inferDepartment(title)
				in["department"] = inferred
				p.Penalties = append(p.Penalties, penaltyDepartmentInferred)
				p.PreSteps = append(p.PreSteps, inferredStep("department", inferred, title))
			}
			return p
		},
	}
}

func timingScoreDef() *Definition {
	return &Definition{
		Name:        TimingScore,
		Strict:      true,
		SLA:         strictSLA,
		inputFields: []string{"signal_age_days", "signals", "signal_count", "fiscal_context"},
		prepare: func(in map[string]interface{}) *Prepared {
			p := &Prepared{Input: in}

			if age, ok := asFloat(in["signal_age_days"]); ok && age < 0 {
				in["signal_age_days"] = 0.0
				p.Penalties = append(p.Penalties, penaltySignalInFuture)
				p.PreSteps = append(p.PreSteps, contracts.BreakdownStep{
					Step:   "signal_in_future",
					Value:  0.0,
					Reason: fmt.Sprintf("signal dated %v days in the future, age clamped to 0", -age),
				})
			}

			if _, ok := in["signal_count"]; !ok {
				count := 0
				if signals, ok := in["signals"].([]interface{}); ok {
					count = len(signals)
				}
				in["signal_count"] = float64(count)
			}
			if _, ok := in["signals"]; !ok {
				in["signals"] = []interface{}{}
			}

			if _, ok := in["fiscal_context"]; !ok {
				in["fiscal_context"] = "mid_year"
				p.DefaultsApplied = append(p.DefaultsApplied, "fiscal_context")
				p.Penalties = append(p.Penalties, penaltyDefaults)
				p.PreSteps = append(p.PreSteps, defaultStep("fiscal_context", "mid_year"))
			}
			return p
		},
	}
}

func bankingProductMatchDef() *Definition {
	return &Definition{
		Name:        BankingProductMatch,
		Strict:      false,
		SLA:         assistedSLA,
		inputFields: []string{"employee_count", "industry", "maturity", "hiring_velocity"},
		prepare: func(in map[string]interface{}) *Prepared {
			p := &Prepared{Input: in}

			if v, ok := in["hiring_velocity"].(string); ok && v != "" {
				in["hiring_velocity"] = canonicalValue(v, canonVelocities)
			} else {
				in["hiring_velocity"] = "low"
				p.DefaultsApplied = append(p.DefaultsApplied, "hiring_velocity")
				p.Penalties = append(p.Penalties, penaltyDefaults)
				p.PreSteps = append(p.PreSteps, defaultStep("hiring_velocity", "low"))
			}
			return p
		},
	}
}

func compositeScoreDef() *Definition {
	return &Definition{
		Name:   CompositeScore,
		Strict: true,
		SLA:    strictSLA,
		// Composite decisions must come from an identified caller; the
		// upstream tools admit anonymous callers.
		AdmissionExpr: `caller != ""`,
		inputFields: []string{
			"company_score", "timing_score", "product_fit_score",
			"contact_priority", "channel_confidence", "context_confidence",
		},
		prepare: func(in map[string]interface{}) *Prepared {
			p := &Prepared{Input: in}
			defaulted := false
			for _, field := range []string{"channel_confidence", "context_confidence"} {
				if _, ok := in[field]; !ok {
					in[field] = 1.0
					p.DefaultsApplied = append(p.DefaultsApplied, field)
					p.PreSteps = append(p.PreSteps, defaultStep(field, 1.0))
					defaulted = true
				}
			}
			if defaulted {
				p.Penalties = append(p.Penalties, penaltyDefaults)
			}
			return p
		},
	}
}

// inferSeniority matches folded title keywords against the declared
// hierarchy, highest rank first.
func inferSeniority(title string) string {
	t := " " + foldCaser.String(title) + " "
	switch {
	case containsAny(t, "chief ", " ceo ", " cfo ", " coo ", " cto ", " cio ", " chro ", "president", "founder", "c-level"):
		return "C-Level"
	case containsAny(t, "vice president", " vp ", " svp ", " evp "):
		return "VP"
	case containsAny(t, "director", "head of "):
		return "Director"
	case containsAny(t, "manager", " lead "):
		return "Manager"
	default:
		return "Individual"
	}
}

// inferDepartment matches folded title keywords; unmatched titles land on
// "General", which the documents cover with their mapping defaults.
func inferDepartment(title string) string {
	t := " " + foldCaser.String(title) + " "
	switch {
	case containsAny(t, " hr ", "human resources", "people", "talent", "recruit", " chro "):
		return "HR"
	case containsAny(t, "finance", "financial", "account", "treasury", " cfo "):
		return "Finance"
	case containsAny(t, "operations", " ops ", " coo "):
		return "Operations"
	default:
		return "General"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func canonField(in map[string]interface{}, field string, canon []string) {
	if v, ok := in[field].(string); ok {
		in[field] = canonicalValue(v, canon)
	}
}

func asFloat(v interface{}) (float64, bool) {
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

func defaultStep(field string, value interface{}) contracts.BreakdownStep {
	return contracts.BreakdownStep{
		Step:   "default:" + field,
		Value:  value,
		Reason: "missing input defaulted",
	}
}

func inferredStep(field string, value interface{}, title string) contracts.BreakdownStep {
	return contracts.BreakdownStep{
		Step:   field + "_inferred",
		Value:  value,
		Reason: fmt.Sprintf("inferred from title %q", title),
	}
}
