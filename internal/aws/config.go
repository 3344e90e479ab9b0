package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

const DefaultRegion = "us-east-1"

// Options selects the region and, for LocalStack, an endpoint override.
type Options struct {
	Region           string
	EndpointOverride string
}

func LoadAWSConfig(ctx context.Context, opts Options) (sdkaws.Config, error) {
	region := opts.Region
	if region == "" {
		region = DefaultRegion // default fallback
	}

	loaders := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.EndpointOverride != "" {
		// LocalStack accepts any static credentials
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return cfg, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if opts.EndpointOverride != "" {
		cfg.BaseEndpoint = sdkaws.String(opts.EndpointOverride)
	}

	return cfg, nil
}
