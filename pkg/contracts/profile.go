package contracts

// CompanyProfile is the stable shape the core consumes from enrichment
// adapters. Vendor peculiarities are normalized upstream.
type CompanyProfile struct {
	Name          string   `json:"name"`
	Domain        string   `json:"domain,omitempty"`
	Industry      string   `json:"industry"`
	Size          int      `json:"size"`
	LicenseType   string   `json:"license_type,omitempty"`
	Sector        string   `json:"sector,omitempty"`
	Locale        string   `json:"locale,omitempty"`
	SalaryBand    string   `json:"salary_band,omitempty"`
	Signals       []string `json:"signals,omitempty"`
	FiscalContext string   `json:"fiscal_context,omitempty"`
}

// ContactProfile is the stable contact shape supplied by enrichment.
type ContactProfile struct {
	Title       string `json:"title"`
	Seniority   string `json:"seniority,omitempty"`
	Department  string `json:"department,omitempty"`
	CompanySize int    `json:"company_size,omitempty"`
	Email       string `json:"email,omitempty"`
}
