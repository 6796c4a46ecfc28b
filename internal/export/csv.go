// Package export renders cached dashboard data as a CSV download.
package export

import (
	"fmt"
	"strings"

	"github.com/spotsave/spotsave/internal/aws/cost"
)

const header = "Type,Date,Service,Cost,Description"

// Filename returns the attachment name for an export generated on the
// given date, e.g. spotsave-export-2026-03-15.csv.
func Filename(date string) string {
	return fmt.Sprintf("spotsave-export-%s.csv", date)
}

// Build renders one CSV document: a header, one row per monthly cost, one
// per service breakdown entry, and one per recommendation. Either summary
// may be nil, in which case its rows are omitted.
func Build(costs *cost.CostSummary, recs *cost.RecommendationSummary) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteByte('\n')

	if costs != nil {
		for _, mc := range costs.MonthlyCosts {
			fmt.Fprintf(&b, "Cost,%s,Total,%.2f,Monthly cost\n", mc.Month, mc.Amount)
		}

		// breakdown rows carry the first month as their date, matching
		// the window the percentages were computed over
		var month string
		if len(costs.MonthlyCosts) > 0 {
			month = costs.MonthlyCosts[0].Month
		}
		for _, sc := range costs.ServiceBreakdown {
			fmt.Fprintf(&b, "Service,%s,%s,%.2f,%.2f%% of total\n", month, sc.Service, sc.Amount, sc.Percentage)
		}
	}

	if recs != nil {
		for _, r := range recs.Recommendations {
			fmt.Fprintf(&b, "Recommendation,,%s,%.2f,%s - %s\n", r.Service, r.PotentialSavings, r.Title, r.Description)
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}
