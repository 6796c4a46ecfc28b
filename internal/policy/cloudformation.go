package policy

import "fmt"

// cfnTemplate is the spotsave-role.yaml stack body. The external ID is
// injected as the parameter default so the downloaded template works as-is.
const cfnTemplate = `AWSTemplateFormatVersion: '2010-09-09'
Description: IAM role granting SpotSave read-only access to cost data

Parameters:
  ExternalId:
    Type: String
    Default: '%s'
    Description: External ID shared with SpotSave, used in the trust policy condition
  TrustedAccountId:
    Type: String
    Default: '%s'
    Description: AWS account allowed to assume the role

Resources:
  SpotSaveReadOnlyRole:
    Type: AWS::IAM::Role
    Properties:
      RoleName: %s
      AssumeRolePolicyDocument:
        Version: '2012-10-17'
        Statement:
          - Effect: Allow
            Principal:
              AWS: !Sub 'arn:aws:iam::${TrustedAccountId}:root'
            Action: 'sts:AssumeRole'
            Condition:
              StringEquals:
                'sts:ExternalId': !Ref ExternalId
      Policies:
        - PolicyName: SpotSaveCostReadOnly
          PolicyDocument:
            Version: '2012-10-17'
            Statement:
              - Effect: Allow
                Action:
                  - 'ce:Get*'
                  - 'ce:List*'
                  - 'ce:Describe*'
                  - 'budgets:View*'
                  - 'budgets:Describe*'
                  - 'trustedadvisor:Describe*'
                Resource: '*'

Outputs:
  RoleArn:
    Description: ARN to paste into the SpotSave connect wizard
    Value: !GetAtt SpotSaveReadOnlyRole.Arn
`

// CloudFormationTemplate renders the role stack with the given external ID
// and trusted account baked into the parameter defaults. Empty arguments
// leave placeholder defaults for the operator to override at stack creation.
func CloudFormationTemplate(externalID, trustedAccountID string) string {
	if externalID == "" {
		externalID = "spotsave-external-id"
	}
	if trustedAccountID == "" {
		trustedAccountID = "000000000000"
	}
	return fmt.Sprintf(cfnTemplate, externalID, trustedAccountID, DefaultRoleName)
}
