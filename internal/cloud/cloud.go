// Package cloud wraps the three cloud compute operations the controller
// needs — describe, launch, terminate — behind a neutral Provider
// interface so the reconciler and launcher never see provider-specific
// payloads (SPEC_FULL §4.1). The only implementation shipped is EC2
// (internal/cloud/ec2.go); swapping providers means adding another file
// that satisfies Provider, not touching the reconciler.
package cloud

import (
	"context"
	"errors"
	"fmt"
)

// InstanceState mirrors the subset of cloud lifecycle states the
// controller cares about. RUNNING is the only state that makes an
// instance eligible for registry tracking.
type InstanceState string

const (
	StateRunning    InstanceState = "RUNNING"
	StatePending    InstanceState = "PENDING"
	StateStopping   InstanceState = "STOPPING"
	StateStopped    InstanceState = "STOPPED"
	StateTerminated InstanceState = "TERMINATED"
	StateUnknown    InstanceState = "UNKNOWN"
)

// Instance is the normalized record describeAll returns — never the raw
// provider payload.
type Instance struct {
	InstanceID string
	State      InstanceState
	PublicIPs  []string
}

// Template is the fixed VM launch template: image, instance type, zone,
// VPC/subnet, security group, bandwidth, and a name prefix that runOne
// suffixes with a monotonic timestamp to build the instance name.
type Template struct {
	ImageID         string
	InstanceType    string
	Zone            string
	VPCID           string
	SubnetID        string
	SecurityGroupID string
	BandwidthMbps   int
	NamePrefix      string
}

// ErrorKind classifies a CloudError for reconciler disposition (SPEC_FULL
// §7): transient errors abort only the current phase, permanent errors
// are logged and require operator intervention.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// CloudError wraps an underlying provider error with a transient/permanent
// classification. Use errors.As to recover it.
type CloudError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *CloudError) Error() string {
	return fmt.Sprintf("cloud: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *CloudError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a CloudError classified transient.
func IsTransient(err error) bool {
	var ce *CloudError
	if errors.As(err, &ce) {
		return ce.Kind == KindTransient
	}
	return false
}

// Provider is the neutral interface the reconciler and launcher depend on.
// All of its operations may fail with a *CloudError.
type Provider interface {
	// DescribeAll returns every instance the provider ascribes to this
	// project/region, regardless of state.
	DescribeAll(ctx context.Context) ([]Instance, error)

	// RunOne submits a spot-priced launch with the given template and
	// returns the assigned instance ID before the instance reaches
	// RUNNING.
	RunOne(ctx context.Context, tmpl Template) (string, error)

	// Describe polls a specific set of instance IDs, used by the launch
	// poll loop (SPEC_FULL §4.5 step 3).
	Describe(ctx context.Context, instanceIDs []string) ([]Instance, error)

	// Terminate requests termination for the given instance IDs.
	// Best-effort: errors are logged by the caller, never retried here.
	Terminate(ctx context.Context, instanceIDs []string) error
}
