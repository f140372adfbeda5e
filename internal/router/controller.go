package router

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	log "github.com/sirupsen/logrus"
)

// InstanceController stops router instances
type InstanceController interface {
	StopInstance(ctx context.Context, instanceID string, force bool) error
}

// NoopController only logs. It is meant for development setups where
// routers are not managed instances.
type NoopController struct{}

func (NoopController) StopInstance(_ context.Context, instanceID string, force bool) error {
	log.WithFields(log.Fields{"instance": instanceID, "force": force}).Info("Skipping instance stop")
	return nil
}

// EC2API is the subset of the EC2 client used to manage router instances
type EC2API interface {
	StopInstances(ctx context.Context, params *awsec2.StopInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.StopInstancesOutput, error)
}

// EC2Controller stops routers that run as EC2 instances
type EC2Controller struct {
	api EC2API
}

func NewEC2Controller(api EC2API) *EC2Controller {
	return &EC2Controller{api: api}
}

// LoadEC2Controller builds a controller from the default AWS credential chain
func LoadEC2Controller(ctx context.Context, region string) (*EC2Controller, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewEC2Controller(awsec2.NewFromConfig(cfg)), nil
}

func (c *EC2Controller) StopInstance(ctx context.Context, instanceID string, force bool) error {
	out, err := c.api.StopInstances(ctx, &awsec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
		Force:       aws.Bool(force),
	})
	if err != nil {
		return fmt.Errorf("StopInstances: %w", err)
	}
	for _, change := range out.StoppingInstances {
		var state string
		if change.CurrentState != nil {
			state = string(change.CurrentState.Name)
		}
		log.WithFields(log.Fields{"instance": aws.ToString(change.InstanceId), "state": state}).Info("Stopping instance")
	}
	return nil
}
