// Package cost reduces raw Cost Explorer responses into the dashboard shape:
// monthly totals, a top-10-plus-Others service breakdown, forecast series
// aligned to actuals, and savings recommendations.
package cost

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/sirupsen/logrus"

	stsclient "github.com/spotsave/spotsave/internal/aws/sts"
)

// Cost Explorer only serves us-east-1.
const region = "us-east-1"

const (
	dateLayout      = "2006-01-02"
	monthKeyLen     = 7 // "YYYY-MM"
	defaultCurrency = "USD"
	topServices     = 10

	// rightsizing and reservation recommendations are scoped to EC2
	ec2Service = "Amazon Elastic Compute Cloud - Compute"
)

// CostExplorerAPI is the subset of the AWS Cost Explorer client we use.
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
	GetCostForecast(ctx context.Context, params *costexplorer.GetCostForecastInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostForecastOutput, error)
	GetRightsizingRecommendation(ctx context.Context, params *costexplorer.GetRightsizingRecommendationInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetRightsizingRecommendationOutput, error)
	GetReservationPurchaseRecommendation(ctx context.Context, params *costexplorer.GetReservationPurchaseRecommendationInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetReservationPurchaseRecommendationOutput, error)
}

// Client wraps the AWS Cost Explorer API for one set of assumed-role
// credentials.
type Client struct {
	ce  CostExplorerAPI
	now func() time.Time // injectable for testing; defaults to time.Now
	log logrus.FieldLogger
}

// NewClient creates a Cost Explorer client from assumed-role credentials.
func NewClient(creds stsclient.Credentials, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg := aws.Config{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	}
	return &Client{ce: costexplorer.NewFromConfig(cfg), now: time.Now, log: log}
}

// NewClientWithAPI creates a client with a custom API implementation (for testing).
func NewClientWithAPI(api CostExplorerAPI, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{ce: api, now: time.Now, log: log}
}

// GetCostAndUsage returns monthly totals and the per-service breakdown over
// the window. Empty dates default to the last 365 days ending today.
func (c *Client) GetCostAndUsage(ctx context.Context, startDate, endDate string) (*CostSummary, error) {
	now := c.now().UTC()
	if endDate == "" {
		endDate = now.Format(dateLayout)
	}
	if startDate == "" {
		startDate = now.AddDate(0, 0, -365).Format(dateLayout)
	}

	out, err := c.ce.GetCostAndUsage(ctx, &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(startDate),
			End:   aws.String(endDate),
		},
		Granularity: types.GranularityMonthly,
		Metrics:     []string{"UnblendedCost"},
		GroupBy: []types.GroupDefinition{
			{Type: types.GroupDefinitionTypeDimension, Key: aws.String("SERVICE")},
		},
	})
	if err := c.finishFetch(hardFail, "fetching cost data", err); err != nil {
		return nil, err
	}

	var monthlyCosts []MonthlyCost
	serviceMap := make(map[string]float64)

	for _, result := range out.ResultsByTime {
		month := ""
		if result.TimePeriod != nil {
			month = aws.ToString(result.TimePeriod.Start)
		}

		amount := 0.0
		unit := defaultCurrency
		if mv, ok := result.Total["UnblendedCost"]; ok {
			amount, _ = strconv.ParseFloat(aws.ToString(mv.Amount), 64)
			if u := aws.ToString(mv.Unit); u != "" {
				unit = u
			}
		}
		monthlyCosts = append(monthlyCosts, MonthlyCost{Month: month, Amount: amount, Currency: unit})

		for _, group := range result.Groups {
			service := "Unknown"
			if len(group.Keys) > 0 {
				service = group.Keys[0]
			}
			groupAmount, _ := strconv.ParseFloat(aws.ToString(group.Metrics["UnblendedCost"].Amount), 64)
			serviceMap[service] += groupAmount
		}
	}

	breakdown, totalCost := buildBreakdown(serviceMap)

	currency := defaultCurrency
	if len(monthlyCosts) > 0 {
		currency = monthlyCosts[0].Currency
	}

	return &CostSummary{
		MonthlyCosts:     monthlyCosts,
		ServiceBreakdown: breakdown,
		TotalCost:        totalCost,
		Currency:         currency,
	}, nil
}

// buildBreakdown turns per-service totals into a descending top-10 list plus
// a synthetic Others entry holding the remainder. Others is omitted when the
// remainder is zero. The second return value is the grand total.
func buildBreakdown(serviceMap map[string]float64) ([]ServiceCost, float64) {
	services := make([]ServiceCost, 0, len(serviceMap))
	var totalCost float64
	for service, amount := range serviceMap {
		services = append(services, ServiceCost{Service: service, Amount: amount})
		totalCost += amount
	}
	sort.Slice(services, func(i, j int) bool {
		if services[i].Amount != services[j].Amount {
			return services[i].Amount > services[j].Amount
		}
		return services[i].Service < services[j].Service
	})

	pct := func(amount float64) float64 {
		if totalCost <= 0 {
			return 0
		}
		return amount / totalCost * 100
	}

	if len(services) > topServices {
		var othersAmount float64
		for _, s := range services[topServices:] {
			othersAmount += s.Amount
		}
		services = services[:topServices]
		if othersAmount > 0 {
			services = append(services, ServiceCost{Service: "Others", Amount: othersAmount})
		}
	}
	for i := range services {
		services[i].Percentage = pct(services[i].Amount)
	}

	return services, totalCost
}

// GetCostForecast returns the monthly mean-value forecast plus actual costs
// over the same window for comparison. Empty dates default to today through
// +90 days. A failure of either call propagates; there are no partial
// results.
func (c *Client) GetCostForecast(ctx context.Context, startDate, endDate string) (*ForecastSummary, error) {
	now := c.now().UTC()
	if startDate == "" {
		startDate = now.Format(dateLayout)
	}
	if endDate == "" {
		endDate = now.AddDate(0, 0, 90).Format(dateLayout)
	}

	out, err := c.ce.GetCostForecast(ctx, &costexplorer.GetCostForecastInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(startDate),
			End:   aws.String(endDate),
		},
		Granularity: types.GranularityMonthly,
		Metric:      types.MetricUnblendedCost,
	})
	if err := c.finishFetch(hardFail, "fetching forecast", err); err != nil {
		return nil, err
	}

	forecast := make([]ForecastPoint, 0, len(out.ForecastResultsByTime))
	for _, result := range out.ForecastResultsByTime {
		period := ""
		if result.TimePeriod != nil {
			period = aws.ToString(result.TimePeriod.Start)
		}
		meanValue := aws.ToString(result.MeanValue)
		if meanValue == "" {
			meanValue = "0"
		}
		forecast = append(forecast, ForecastPoint{TimePeriod: period, MeanValue: meanValue})
	}

	actual, err := c.GetCostAndUsage(ctx, startDate, endDate)
	if err != nil {
		return nil, err
	}

	return &ForecastSummary{
		Forecast: forecast,
		Actual:   actual.MonthlyCosts,
		Aligned:  AlignForecast(forecast, actual.MonthlyCosts),
	}, nil
}

// AlignForecast matches forecast points to actual months by "YYYY-MM"
// prefix. Months with no actual are reported as 0 rather than interpolated.
func AlignForecast(forecast []ForecastPoint, actual []MonthlyCost) []AlignedPoint {
	actualByMonth := make(map[string]float64, len(actual))
	for _, m := range actual {
		actualByMonth[monthKey(m.Month)] += m.Amount
	}

	aligned := make([]AlignedPoint, 0, len(forecast))
	for _, p := range forecast {
		mean, _ := strconv.ParseFloat(p.MeanValue, 64)
		key := monthKey(p.TimePeriod)
		aligned = append(aligned, AlignedPoint{
			Month:    key,
			Actual:   actualByMonth[key],
			Forecast: mean,
		})
	}
	return aligned
}

func monthKey(period string) string {
	if len(period) > monthKeyLen {
		return period[:monthKeyLen]
	}
	return period
}

// GetRightsizingRecommendations returns EC2 rightsizing and reserved
// instance purchase suggestions with strictly positive savings. Unlike cost
// and forecast, a provider failure here degrades to an empty summary: the
// dashboard treats recommendations as an optional enhancement, typically
// unavailable when Compute Optimizer is disabled for the account.
func (c *Client) GetRightsizingRecommendations(ctx context.Context) (*RecommendationSummary, error) {
	var recommendations []Recommendation

	rightsizing, err := c.fetchRightsizing(ctx)
	if err := c.finishFetch(softFail, "rightsizing recommendations", err); err != nil {
		return nil, err
	}
	recommendations = append(recommendations, rightsizing...)

	reserved, err := c.fetchReservationPurchases(ctx)
	if err := c.finishFetch(softFail, "reservation purchase recommendations", err); err != nil {
		return nil, err
	}
	recommendations = append(recommendations, reserved...)

	var total float64
	for _, rec := range recommendations {
		total += rec.PotentialSavings
	}

	return &RecommendationSummary{
		Recommendations:       recommendations,
		TotalPotentialSavings: total,
	}, nil
}

func (c *Client) fetchRightsizing(ctx context.Context) ([]Recommendation, error) {
	out, err := c.ce.GetRightsizingRecommendation(ctx, &costexplorer.GetRightsizingRecommendationInput{
		Service: aws.String(ec2Service),
	})
	if err != nil {
		return nil, err
	}

	var recommendations []Recommendation
	for i, rec := range out.RightsizingRecommendations {
		if rec.CurrentInstance == nil {
			continue
		}
		currentCost, _ := strconv.ParseFloat(aws.ToString(rec.CurrentInstance.MonthlyCost), 64)

		targetCost := currentCost
		targetType := "smaller instance"
		if rec.ModifyRecommendationDetail != nil && len(rec.ModifyRecommendationDetail.TargetInstances) > 0 {
			target := rec.ModifyRecommendationDetail.TargetInstances[0]
			targetCost, _ = strconv.ParseFloat(aws.ToString(target.EstimatedMonthlyCost), 64)
			if t := ec2InstanceType(target.ResourceDetails); t != "" {
				targetType = t
			}
		}

		savings := currentCost - targetCost
		if savings <= 0 {
			continue
		}

		name := aws.ToString(rec.CurrentInstance.InstanceName)
		if name == "" {
			name = "Instance"
		}
		resourceID := aws.ToString(rec.CurrentInstance.ResourceId)
		if resourceID == "" {
			resourceID = aws.ToString(rec.CurrentInstance.InstanceName)
		}

		recommendations = append(recommendations, Recommendation{
			ID:               recommendationID("rightsizing", aws.ToString(rec.AccountId), i),
			Type:             TypeRightsizing,
			Title:            fmt.Sprintf("Rightsize %s", name),
			Description:      fmt.Sprintf("Consider downsizing from %s to %s", ec2InstanceType(rec.CurrentInstance.ResourceDetails), targetType),
			PotentialSavings: savings,
			Service:          "EC2",
			ResourceID:       resourceID,
			Priority:         PriorityForSavings(savings),
		})
	}
	return recommendations, nil
}

func (c *Client) fetchReservationPurchases(ctx context.Context) ([]Recommendation, error) {
	out, err := c.ce.GetReservationPurchaseRecommendation(ctx, &costexplorer.GetReservationPurchaseRecommendationInput{
		Service: aws.String(ec2Service),
	})
	if err != nil {
		return nil, err
	}

	var recommendations []Recommendation
	for _, rec := range out.Recommendations {
		for i, detail := range rec.RecommendationDetails {
			savings, _ := strconv.ParseFloat(aws.ToString(detail.EstimatedMonthlySavingsAmount), 64)
			if savings <= 0 {
				continue
			}

			instanceType := ""
			if detail.InstanceDetails != nil && detail.InstanceDetails.EC2InstanceDetails != nil {
				instanceType = aws.ToString(detail.InstanceDetails.EC2InstanceDetails.InstanceType)
			}
			count := aws.ToString(detail.RecommendedNumberOfInstancesToPurchase)

			recommendations = append(recommendations, Recommendation{
				ID:               recommendationID("reserved", aws.ToString(detail.AccountId), i),
				Type:             TypeReservedInstance,
				Title:            fmt.Sprintf("Purchase %s reserved instances", orUnknown(instanceType)),
				Description:      fmt.Sprintf("Purchase %s reserved %s instances to cover steady-state usage", orUnknown(count), orUnknown(instanceType)),
				PotentialSavings: savings,
				Service:          "EC2",
				Priority:         PriorityForSavings(savings),
			})
		}
	}
	return recommendations, nil
}

func ec2InstanceType(details *types.ResourceDetails) string {
	if details == nil || details.EC2ResourceDetails == nil {
		return ""
	}
	return aws.ToString(details.EC2ResourceDetails.InstanceType)
}

func recommendationID(kind, accountID string, n int) string {
	if accountID == "" {
		accountID = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", kind, accountID, n)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
