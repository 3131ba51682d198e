package cloud

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	describeOut *ec2.DescribeInstancesOutput
	describeErr error
	runOut      *ec2.RunInstancesOutput
	runErr      error
	termErr     error
	lastTermIDs []string
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return f.describeOut, f.describeErr
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return f.runOut, f.runErr
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.lastTermIDs = in.InstanceIds
	return &ec2.TerminateInstancesOutput{}, f.termErr
}

type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string      { return e.code }
func (e *fakeAPIError) ErrorCode() string  { return e.code }
func (e *fakeAPIError) ErrorMessage() string { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}

func TestDescribeAllNormalizesRunningInstance(t *testing.T) {
	fake := &fakeEC2{
		describeOut: &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{
				{
					Instances: []ec2types.Instance{
						{
							InstanceId:      strPtr("i-abc"),
							State:           &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
							PublicIpAddress: strPtr("1.2.3.4"),
						},
					},
				},
			},
		},
	}
	p := NewEC2ProviderWithClient(fake)
	instances, err := p.DescribeAll(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, "i-abc", instances[0].InstanceID)
	require.Equal(t, StateRunning, instances[0].State)
	require.Equal(t, []string{"1.2.3.4"}, instances[0].PublicIPs)
}

func TestRunOneReturnsInstanceID(t *testing.T) {
	fake := &fakeEC2{
		runOut: &ec2.RunInstancesOutput{
			Instances: []ec2types.Instance{{InstanceId: strPtr("i-new")}},
		},
	}
	p := NewEC2ProviderWithClient(fake)
	id, err := p.RunOne(context.Background(), Template{ImageID: "ami-1", InstanceType: "t3.medium", NamePrefix: "match-vm"})
	require.NoError(t, err)
	require.Equal(t, "i-new", id)
}

func TestTerminatePassesIDsThrough(t *testing.T) {
	fake := &fakeEC2{}
	p := NewEC2ProviderWithClient(fake)
	require.NoError(t, p.Terminate(context.Background(), []string{"i-1", "i-2"}))
	require.Equal(t, []string{"i-1", "i-2"}, fake.lastTermIDs)
}

func TestClassifyPermanentErrorCode(t *testing.T) {
	fake := &fakeEC2{describeErr: &fakeAPIError{code: "UnauthorizedOperation"}}
	p := NewEC2ProviderWithClient(fake)
	_, err := p.DescribeAll(context.Background())
	require.Error(t, err)
	require.False(t, IsTransient(err))

	var ce *CloudError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, KindPermanent, ce.Kind)
}

func TestClassifyUnknownCodeDefaultsTransient(t *testing.T) {
	fake := &fakeEC2{describeErr: &fakeAPIError{code: "RequestLimitExceeded"}}
	p := NewEC2ProviderWithClient(fake)
	_, err := p.DescribeAll(context.Background())
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func strPtr(s string) *string { return &s }
