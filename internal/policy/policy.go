// Package policy builds the IAM documents a user deploys in their own
// account before connecting it: the trust policy that lets SpotSave assume
// the role, the read-only permissions policy, and a CloudFormation template
// bundling both.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spotsave/spotsave/internal/validate"
)

// DefaultRoleName is the role created by the CloudFormation template.
const DefaultRoleName = "SpotSaveReadOnlyRole"

// ErrInvalidAccountID is returned when an account ID is not 12 digits.
var ErrInvalidAccountID = errors.New("invalid AWS account ID, must be 12 digits")

type document struct {
	Version   string      `json:"Version"`
	Statement []statement `json:"Statement"`
}

type statement struct {
	Effect    string     `json:"Effect"`
	Principal *principal `json:"Principal,omitempty"`
	Action    any        `json:"Action"`
	Resource  string     `json:"Resource,omitempty"`
	Condition *condition `json:"Condition,omitempty"`
}

type principal struct {
	AWS string `json:"AWS"`
}

type condition struct {
	StringEquals map[string]string `json:"StringEquals"`
}

// costExplorerActions is the read-only Cost Explorer surface the dashboard
// queries. Kept in sync with the CloudFormation template below.
var costExplorerActions = []string{
	"ce:GetCostAndUsage",
	"ce:GetCostAndUsageWithResources",
	"ce:GetReservationCoverage",
	"ce:GetReservationPurchaseRecommendation",
	"ce:GetReservationUtilization",
	"ce:GetRightsizingRecommendation",
	"ce:GetSavingsPlansCoverage",
	"ce:GetSavingsPlansUtilization",
	"ce:GetSavingsPlansUtilizationDetails",
	"ce:GetUsageReport",
	"ce:ListCostCategoryDefinitions",
	"ce:GetCostForecast",
	"ce:GetUsageForecast",
	"ce:GetDimensionValues",
	"ce:GetTags",
	"ce:DescribeCostCategoryDefinition",
}

var budgetsActions = []string{
	"budgets:ViewBudget",
	"budgets:DescribeBudgets",
	"budgets:DescribeBudgetPerformanceHistory",
	"budgets:DescribeBudgetActionHistories",
	"budgets:DescribeBudgetActionsForAccount",
	"budgets:DescribeBudgetActionsForBudget",
}

var advisorActions = []string{
	"trustedadvisor:Describe*",
	"trustedadvisor:RefreshCheck",
	"trustedadvisor:ExcludeCheck",
	"trustedadvisor:IncludeCheck",
}

// TrustPolicy returns the trust policy JSON allowing the given account to
// assume the role, gated by the external ID. Inputs are not validated here;
// that is the caller's job.
func TrustPolicy(accountID, externalID string) string {
	doc := document{
		Version: "2012-10-17",
		Statement: []statement{{
			Effect:    "Allow",
			Principal: &principal{AWS: fmt.Sprintf("arn:aws:iam::%s:root", accountID)},
			Action:    "sts:AssumeRole",
			Condition: &condition{StringEquals: map[string]string{"sts:ExternalId": externalID}},
		}},
	}
	return marshal(doc)
}

// PermissionsPolicy returns the fixed read-only permissions policy JSON.
func PermissionsPolicy() string {
	doc := document{
		Version: "2012-10-17",
		Statement: []statement{
			{Effect: "Allow", Action: costExplorerActions, Resource: "*"},
			{Effect: "Allow", Action: budgetsActions, Resource: "*"},
			{Effect: "Allow", Action: advisorActions, Resource: "*"},
		},
	}
	return marshal(doc)
}

// GenerateRoleArn builds the canonical role ARN for the given account.
// An empty roleName falls back to DefaultRoleName.
func GenerateRoleArn(accountID, roleName string) (string, error) {
	if !validate.AccountID(accountID) {
		return "", ErrInvalidAccountID
	}
	if roleName == "" {
		roleName = DefaultRoleName
	}
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", strings.TrimSpace(accountID), roleName), nil
}

func marshal(doc document) string {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		// document is built from literals only
		panic(err)
	}
	return string(b)
}
