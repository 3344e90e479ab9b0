package aws

import (
	"context"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// AWSClients holds the service clients the token store, reverify queue,
// RTDN dedupe table and sweeper metrics share.
type AWSClients struct {
	Config     sdkaws.Config
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// NewAWSClients resolves credentials and region from opts and the default
// provider chain.
func NewAWSClients(ctx context.Context, opts Options) (*AWSClients, error) {
	cfg, err := LoadAWSConfig(ctx, opts)
	if err != nil {
		return nil, err
	}
	return FromConfig(cfg), nil
}

// FromConfig builds clients from an already resolved config.
func FromConfig(cfg sdkaws.Config) *AWSClients {
	return &AWSClients{
		Config:     cfg,
		DynamoDB:   dynamodb.NewFromConfig(cfg),
		SQS:        sqs.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
	}
}

// Publisher binds the SQS client to queueURL, or returns nil when no queue
// is configured.
func (c *AWSClients) Publisher(queueURL string) *Publisher {
	if queueURL == "" {
		return nil
	}
	return NewPublisher(c.SQS, queueURL)
}
