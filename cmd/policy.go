package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spotsave/spotsave/internal/policy"
	"github.com/spotsave/spotsave/internal/validate"
)

// NewPolicyCmd prints the IAM documents a customer needs to set up the
// cross-account role, the CLI counterpart of the connect wizard downloads.
func NewPolicyCmd() *cobra.Command {
	var (
		accountID  string
		externalID string
	)

	cmd := &cobra.Command{
		Use:   "policy [trust|permissions|template]",
		Short: "Print IAM policy documents for the cross-account role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "permissions":
				fmt.Fprintln(cmd.OutOrStdout(), policy.PermissionsPolicy())
				return nil
			case "trust":
				if !validate.AccountID(accountID) {
					return fmt.Errorf("--account-id must be a 12-digit AWS account ID")
				}
				externalID = validate.SanitizeExternalID(externalID)
				if !validate.ExternalID(externalID) {
					return fmt.Errorf("--external-id must be alphanumeric with hyphens/underscores, 2-1224 characters")
				}
				fmt.Fprintln(cmd.OutOrStdout(), policy.TrustPolicy(accountID, externalID))
				return nil
			case "template":
				fmt.Fprint(cmd.OutOrStdout(), policy.CloudFormationTemplate(validate.SanitizeExternalID(externalID), accountID))
				return nil
			default:
				return fmt.Errorf("unknown document %q, expected trust, permissions, or template", args[0])
			}
		},
	}

	cmd.Flags().StringVar(&accountID, "account-id", "", "trusted AWS account ID")
	cmd.Flags().StringVar(&externalID, "external-id", "", "external ID for the trust condition")

	return cmd
}
