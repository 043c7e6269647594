package plans

// PlanType identifies a plan in the catalog.
type PlanType string

const (
	Free       PlanType = "free"
	Premium    PlanType = "premium"
	Enterprise PlanType = "enterprise"
)

// Valid reports whether t is one of the known plan types.
func (t PlanType) Valid() bool {
	switch t {
	case Free, Premium, Enterprise:
		return true
	}
	return false
}

// Resource represents a countable resource a plan puts a ceiling on.
type Resource string

const (
	ResourceGroups           Resource = "groups"
	ResourceGroupMembers     Resource = "group_members"
	ResourceExpensesPerMonth Resource = "expenses_per_month"
	ResourceReceiptScans     Resource = "receipt_scans" // per month
	ResourceAssistantPrompts Resource = "assistant_prompts"
)

// Unlimited indicates no limit for a resource (-1 chosen for SQL compatibility).
const Unlimited int64 = -1

// Feature represents a plan-specific capability.
type Feature string

const (
	FeatureReceiptScanning   Feature = "receipt_scanning"
	FeatureRecurringExpenses Feature = "recurring_expenses"
	FeatureExport            Feature = "export"
	FeatureCurrencyTracking  Feature = "currency_tracking"
	FeatureAssistant         Feature = "assistant"
	FeaturePrioritySupport   Feature = "priority_support"
	FeatureSSO               Feature = "sso"
)

// Money represents a monetary amount in the smallest currency unit.
// For example, 4.99 EUR is Amount: 499, Currency: "EUR".
type Money struct {
	Amount   int64  `json:"amount" yaml:"amount"`
	Currency string `json:"currency" yaml:"currency"` // ISO 4217
}

// IsZero reports whether the amount is zero regardless of currency.
func (m Money) IsZero() bool { return m.Amount == 0 }
