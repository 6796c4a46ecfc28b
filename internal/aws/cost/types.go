package cost

// MonthlyCost is the total spend for one reporting month.
type MonthlyCost struct {
	Month    string  `json:"month"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// ServiceCost is one entry of the per-service breakdown. Percentages across
// the full breakdown (including the synthetic Others entry) sum to 100.
type ServiceCost struct {
	Service    string  `json:"service"`
	Amount     float64 `json:"amount"`
	Percentage float64 `json:"percentage"`
}

// CostSummary is the dashboard-ready cost and usage response.
type CostSummary struct {
	MonthlyCosts     []MonthlyCost `json:"monthlyCosts"`
	ServiceBreakdown []ServiceCost `json:"serviceBreakdown"`
	TotalCost        float64       `json:"totalCost"`
	Currency         string        `json:"currency"`
}

// ForecastPoint is one monthly mean-value forecast bucket.
type ForecastPoint struct {
	TimePeriod string `json:"timePeriod"`
	MeanValue  string `json:"meanValue"`
}

// ForecastSummary pairs the forecast series with actual costs over the same
// window, plus the per-month aligned view the chart renders.
type ForecastSummary struct {
	Forecast []ForecastPoint `json:"forecast"`
	Actual   []MonthlyCost   `json:"actual"`
	Aligned  []AlignedPoint  `json:"aligned"`
}

// AlignedPoint is a forecast point matched to its actual by year-month.
// Months without an actual carry 0.
type AlignedPoint struct {
	Month    string  `json:"month"`
	Actual   float64 `json:"actual"`
	Forecast float64 `json:"forecast"`
}

// Recommendation kinds.
const (
	TypeRightsizing      = "rightsizing"
	TypeReservedInstance = "reserved-instance"
	TypeIdleResource     = "idle-resource"
)

// Priority levels, derived from monthly savings.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Recommendation is a single savings suggestion. Only recommendations with
// strictly positive savings are emitted.
type Recommendation struct {
	ID               string  `json:"id"`
	Type             string  `json:"type"`
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	PotentialSavings float64 `json:"potentialSavings"`
	Service          string  `json:"service"`
	ResourceID       string  `json:"resourceId,omitempty"`
	Priority         string  `json:"priority"`
}

// RecommendationSummary bundles all retained recommendations.
type RecommendationSummary struct {
	Recommendations       []Recommendation `json:"recommendations"`
	TotalPotentialSavings float64          `json:"totalPotentialSavings"`
}

// PriorityForSavings derives the priority from monthly savings: above $100
// high, above $50 medium, low otherwise.
func PriorityForSavings(savings float64) string {
	switch {
	case savings > 100:
		return PriorityHigh
	case savings > 50:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
