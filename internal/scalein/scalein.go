// Package scalein toggles AWS Auto Scaling Group scale-in protection for
// the instance this worker runs on, so the ASG will not pick this instance
// to terminate while a job is in flight.
package scalein

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"

	"github.com/comfyfleet/render-worker/internal/executor"
	"github.com/comfyfleet/render-worker/internal/logging"
	"github.com/comfyfleet/render-worker/internal/metrics"
)

var _ executor.ScaleInProtector = (*Protector)(nil)

// Protector implements executor.ScaleInProtector. Every call is
// best-effort: a failure to set protection is logged by the caller and
// never blocks job processing.
type Protector struct {
	asg        *autoscaling.Client
	imdsClient *imds.Client
	asgName    string
	log        *logging.Logger

	instanceID string
}

// New resolves the AWS config (region, credentials) the usual SDK way and
// builds a Protector for the given Auto Scaling Group name.
func New(ctx context.Context, region, asgName string, log *logging.Logger) (*Protector, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("scalein: load AWS config: %w", err)
	}
	return &Protector{
		asg:        autoscaling.NewFromConfig(cfg),
		imdsClient: imds.NewFromConfig(cfg),
		asgName:    asgName,
		log:        log,
	}, nil
}

// Protect marks the instance protected from scale-in.
func (p *Protector) Protect(ctx context.Context) error {
	return p.setProtection(ctx, true)
}

// Unprotect releases scale-in protection.
func (p *Protector) Unprotect(ctx context.Context) error {
	return p.setProtection(ctx, false)
}

func (p *Protector) setProtection(ctx context.Context, protected bool) error {
	instanceID, err := p.resolveInstanceID(ctx)
	if err != nil {
		return err
	}
	_, err = p.asg.SetInstanceProtection(ctx, &autoscaling.SetInstanceProtectionInput{
		AutoScalingGroupName: aws.String(p.asgName),
		InstanceIds:          []string{instanceID},
		ProtectedFromScaleIn: aws.Bool(protected),
	})
	if err != nil {
		return fmt.Errorf("scalein: set instance protection to %v: %w", protected, err)
	}
	if protected {
		metrics.ScaleInProtected.Set(1)
	} else {
		metrics.ScaleInProtected.Set(0)
	}
	return nil
}

// resolveInstanceID fetches the instance id from IMDS once and caches it;
// it never changes for the lifetime of the process.
func (p *Protector) resolveInstanceID(ctx context.Context) (string, error) {
	if p.instanceID != "" {
		return p.instanceID, nil
	}
	doc, err := p.imdsClient.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return "", fmt.Errorf("scalein: resolve instance id: %w", err)
	}
	p.instanceID = doc.InstanceID
	return p.instanceID, nil
}
