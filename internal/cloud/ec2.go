package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// ec2Client is the subset of *ec2.Client this adapter calls, so tests can
// substitute a fake without spinning up real AWS infrastructure.
type ec2Client interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2Provider implements Provider against AWS EC2 via aws-sdk-go-v2. It is
// the only place in the process that speaks the EC2 API; everywhere else
// sees normalized Instance records.
type EC2Provider struct {
	client ec2Client
}

// NewEC2Provider loads the default AWS credential chain (environment,
// shared config, IMDS) the way config.LoadDefaultConfig always does, and
// wraps an ec2.Client constructed from it.
func NewEC2Provider(ctx context.Context, region string) (*EC2Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &EC2Provider{client: ec2.NewFromConfig(cfg)}, nil
}

// NewEC2ProviderWithClient wraps an already-constructed client, used by
// tests to inject a fake ec2Client.
func NewEC2ProviderWithClient(client ec2Client) *EC2Provider {
	return &EC2Provider{client: client}
}

func (p *EC2Provider) DescribeAll(ctx context.Context) ([]Instance, error) {
	return p.describe(ctx, nil)
}

func (p *EC2Provider) Describe(ctx context.Context, instanceIDs []string) ([]Instance, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	return p.describe(ctx, instanceIDs)
}

func (p *EC2Provider) describe(ctx context.Context, instanceIDs []string) ([]Instance, error) {
	in := &ec2.DescribeInstancesInput{}
	if len(instanceIDs) > 0 {
		in.InstanceIds = instanceIDs
	}

	var out []Instance
	var nextToken *string
	for {
		in.NextToken = nextToken
		resp, err := p.client.DescribeInstances(ctx, in)
		if err != nil {
			return nil, classify("describe_instances", err)
		}
		for _, res := range resp.Reservations {
			for _, inst := range res.Instances {
				out = append(out, normalizeInstance(inst))
			}
		}
		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		nextToken = resp.NextToken
	}
	return out, nil
}

func (p *EC2Provider) RunOne(ctx context.Context, tmpl Template) (string, error) {
	name := fmt.Sprintf("%s-%d", tmpl.NamePrefix, time.Now().UnixNano())

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(tmpl.ImageID),
		InstanceType: ec2types.InstanceType(tmpl.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		SubnetId:     aws.String(tmpl.SubnetID),
		InstanceMarketOptions: &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
		},
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String(name)},
				},
			},
		},
	}
	if tmpl.SecurityGroupID != "" {
		in.SecurityGroupIds = []string{tmpl.SecurityGroupID}
	}
	if tmpl.Zone != "" {
		in.Placement = &ec2types.Placement{AvailabilityZone: aws.String(tmpl.Zone)}
	}
	// RunInstances has no direct VpcId/bandwidth fields — VPC is implied by
	// SubnetId and bandwidth by instance type — so both are stamped as tags
	// for cost/inventory auditing rather than silently dropped.
	if tmpl.VPCID != "" {
		in.TagSpecifications[0].Tags = append(in.TagSpecifications[0].Tags,
			ec2types.Tag{Key: aws.String("vpc-id"), Value: aws.String(tmpl.VPCID)})
	}
	if tmpl.BandwidthMbps > 0 {
		in.TagSpecifications[0].Tags = append(in.TagSpecifications[0].Tags,
			ec2types.Tag{Key: aws.String("bandwidth-mbps"), Value: aws.String(fmt.Sprintf("%d", tmpl.BandwidthMbps))})
	}

	out, err := p.client.RunInstances(ctx, in)
	if err != nil {
		return "", classify("run_instances", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", &CloudError{Kind: KindTransient, Op: "run_instances", Err: fmt.Errorf("no instance returned")}
	}
	return *out.Instances[0].InstanceId, nil
}

func (p *EC2Provider) Terminate(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: instanceIDs})
	if err != nil {
		return classify("terminate_instances", err)
	}
	return nil
}

func normalizeInstance(inst ec2types.Instance) Instance {
	rec := Instance{State: StateUnknown}
	if inst.InstanceId != nil {
		rec.InstanceID = *inst.InstanceId
	}
	if inst.State != nil {
		rec.State = normalizeState(inst.State.Name)
	}
	if inst.PublicIpAddress != nil && *inst.PublicIpAddress != "" {
		rec.PublicIPs = append(rec.PublicIPs, *inst.PublicIpAddress)
	}
	for _, ni := range inst.NetworkInterfaces {
		if ni.Association != nil && ni.Association.PublicIp != nil && *ni.Association.PublicIp != "" {
			rec.PublicIPs = append(rec.PublicIPs, *ni.Association.PublicIp)
		}
	}
	return rec
}

func normalizeState(name ec2types.InstanceStateName) InstanceState {
	switch name {
	case ec2types.InstanceStateNameRunning:
		return StateRunning
	case ec2types.InstanceStateNamePending:
		return StatePending
	case ec2types.InstanceStateNameStopping:
		return StateStopping
	case ec2types.InstanceStateNameStopped:
		return StateStopped
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated:
		return StateTerminated
	default:
		return StateUnknown
	}
}

// permanentErrorCodes lists EC2 API error codes that cannot be resolved by
// retrying — auth/permission/parameter problems an operator must fix.
var permanentErrorCodes = map[string]bool{
	"UnauthorizedOperation":       true,
	"AuthFailure":                 true,
	"InvalidParameterValue":       true,
	"InvalidParameterCombination": true,
	"InvalidAMIID.NotFound":       true,
	"InvalidSubnetID.NotFound":    true,
	"MissingParameter":            true,
}

// classify wraps an EC2 SDK error as transient or permanent per SPEC_FULL
// §7. Unknown codes default to transient so the reconciler retries next
// tick rather than silently giving up.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if permanentErrorCodes[code] || strings.Contains(code, "Unauthorized") || strings.Contains(code, "AuthFailure") {
			return &CloudError{Kind: KindPermanent, Op: op, Err: err}
		}
	}
	return &CloudError{Kind: KindTransient, Op: op, Err: err}
}
