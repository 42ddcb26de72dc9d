package tools

// Input schemas, one per tool, enforced before any rule document is touched.
// The schemas validate the caller's raw params; fields that preparation
// injects (inferred seniority, signal counts) are declared here too so the
// rule store can check document references against the full field set.
var toolSchemas = map[string]string{
	CompanyQuality: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "industry": {"type": "string"},
    "size": {"type": "number", "minimum": 0},
    "license_type": {"type": "string"},
    "sector": {"type": "string"},
    "locale": {"type": "string"},
    "signals": {"type": "array", "items": {"type": "string"}},
    "salary_level": {"type": "string", "enum": ["low", "medium", "high"]}
  },
  "additionalProperties": false
}`,

	ContactTier: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["title"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "seniority": {"type": "string", "enum": ["C-Level", "VP", "Director", "Manager", "Individual"]},
    "department": {"type": "string"},
    "company_size": {"type": "number", "minimum": 0},
    "velocity": {"type": "string"},
    "maturity": {"type": "string"}
  },
  "additionalProperties": false
}`,

	TimingScore: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["signal_age_days"],
  "properties": {
    "signal_age_days": {"type": "number"},
    "signals": {"type": "array", "items": {"type": "string"}},
    "signal_count": {"type": "integer", "minimum": 0},
    "fiscal_context": {"type": "string", "enum": ["year_end", "quarter_end", "mid_year"]}
  },
  "additionalProperties": false
}`,

	BankingProductMatch: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["employee_count"],
  "properties": {
    "employee_count": {"type": "number", "minimum": 0},
    "industry": {"type": "string"},
    "maturity": {"type": "string"},
    "hiring_velocity": {"type": "string", "enum": ["high", "medium", "low"]}
  },
  "additionalProperties": false
}`,

	CompositeScore: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["company_score", "timing_score", "product_fit_score", "contact_priority"],
  "properties": {
    "company_score": {"type": "number", "minimum": 0, "maximum": 100},
    "timing_score": {"type": "number", "minimum": 0, "maximum": 100},
    "product_fit_score": {"type": "number", "minimum": 0, "maximum": 100},
    "contact_priority": {"type": "number", "minimum": 1, "maximum": 4},
    "channel_confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "context_confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "additionalProperties": false
}`,
}
