// Package ec2 scans the connected account for idle resources: stopped
// instances still paying for their attached EBS volumes. Findings feed the
// dashboard's recommendation list alongside the Cost Explorer ones.
package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/spotsave/spotsave/internal/aws/cost"
	stsclient "github.com/spotsave/spotsave/internal/aws/sts"
)

// gp3 storage price per GB-month; close enough for a savings estimate
// across volume types.
const ebsMonthlyCostPerGB = 0.08

// EC2API is the subset of the AWS EC2 client we use.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
	DescribeVolumes(ctx context.Context, params *awsec2.DescribeVolumesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeVolumesOutput, error)
}

// Client wraps the AWS EC2 API.
type Client struct {
	api EC2API
}

// NewClient creates an EC2 client from assumed-role credentials.
func NewClient(creds stsclient.Credentials, region string) *Client {
	cfg := aws.Config{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	}
	return &Client{api: awsec2.NewFromConfig(cfg)}
}

// NewClientWithAPI creates a client with a custom API implementation (for testing).
func NewClientWithAPI(api EC2API) *Client {
	return &Client{api: api}
}

// IdleResourceRecommendations lists stopped instances and estimates the EBS
// carrying cost of keeping them around. Only findings with positive savings
// are returned.
func (c *Client) IdleResourceRecommendations(ctx context.Context) ([]cost.Recommendation, error) {
	instances, err := c.stoppedInstances(ctx)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}

	var volumeIDs []string
	for _, inst := range instances {
		volumeIDs = append(volumeIDs, inst.volumeIDs...)
	}
	volumeSizes, err := c.volumeSizes(ctx, volumeIDs)
	if err != nil {
		return nil, err
	}

	var recommendations []cost.Recommendation
	for _, inst := range instances {
		var totalGB int32
		for _, id := range inst.volumeIDs {
			totalGB += volumeSizes[id]
		}
		savings := float64(totalGB) * ebsMonthlyCostPerGB
		if savings <= 0 {
			continue
		}

		name := inst.name
		if name == "" {
			name = inst.id
		}
		recommendations = append(recommendations, cost.Recommendation{
			ID:               fmt.Sprintf("idle-%s", inst.id),
			Type:             cost.TypeIdleResource,
			Title:            fmt.Sprintf("Terminate or snapshot stopped instance %s", name),
			Description:      fmt.Sprintf("%s (%s) has been stopped and still holds %d GB of EBS storage", name, inst.instanceType, totalGB),
			PotentialSavings: savings,
			Service:          "EC2",
			ResourceID:       inst.id,
			Priority:         cost.PriorityForSavings(savings),
		})
	}
	return recommendations, nil
}

type stoppedInstance struct {
	id           string
	name         string
	instanceType string
	volumeIDs    []string
}

func (c *Client) stoppedInstances(ctx context.Context) ([]stoppedInstance, error) {
	var instances []stoppedInstance
	var nextToken *string

	for {
		out, err := c.api.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
			Filters: []types.Filter{
				{Name: aws.String("instance-state-name"), Values: []string{"stopped"}},
			},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("DescribeInstances: %w", err)
		}

		for _, reservation := range out.Reservations {
			for _, inst := range reservation.Instances {
				name := ""
				for _, tag := range inst.Tags {
					if aws.ToString(tag.Key) == "Name" {
						name = aws.ToString(tag.Value)
						break
					}
				}

				var volumeIDs []string
				for _, mapping := range inst.BlockDeviceMappings {
					if mapping.Ebs != nil {
						volumeIDs = append(volumeIDs, aws.ToString(mapping.Ebs.VolumeId))
					}
				}

				instances = append(instances, stoppedInstance{
					id:           aws.ToString(inst.InstanceId),
					name:         name,
					instanceType: string(inst.InstanceType),
					volumeIDs:    volumeIDs,
				})
			}
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return instances, nil
}

func (c *Client) volumeSizes(ctx context.Context, volumeIDs []string) (map[string]int32, error) {
	sizes := make(map[string]int32, len(volumeIDs))
	if len(volumeIDs) == 0 {
		return sizes, nil
	}

	var nextToken *string
	for {
		out, err := c.api.DescribeVolumes(ctx, &awsec2.DescribeVolumesInput{
			VolumeIds: volumeIDs,
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("DescribeVolumes: %w", err)
		}

		for _, vol := range out.Volumes {
			sizes[aws.ToString(vol.VolumeId)] = aws.ToInt32(vol.Size)
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return sizes, nil
}
