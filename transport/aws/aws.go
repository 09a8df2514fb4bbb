// Package aws provides an AWS SNS/SQS fan-out transport for relayflow. Each
// channel is an SNS topic with an SQS queue subscribed to it. For plain SQS
// queues with visibility-timeout leases use the sqs transport.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/relayflow/transport"
	"github.com/drblury/relayflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := LoadConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	tgt, err := resolveTarget(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}

	return pubsub.Assemble(transport.AWSCapabilities, logger,
		func() (message.Publisher, error) { return tgt.publisher(awsCfg, logger) },
		func() (message.Subscriber, error) { return tgt.subscriber(awsCfg, logger) },
	)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// LoadConfig resolves the AWS SDK config from cfg: region, static credentials
// and a custom endpoint such as LocalStack.
func LoadConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg != nil {
		region := cfg.GetAWSRegion()
		accessKey := cfg.GetAWSAccessKeyID()
		secretKey := cfg.GetAWSSecretAccessKey()

		if region != "" {
			logger.Info("Setting AWS region from config", watermill.LogFields{"region": region})
			opts = append(opts, awsconfig.WithRegion(region))
		}
		if accessKey != "" && secretKey != "" {
			logger.Info("Using static AWS credentials from config", watermill.LogFields{})
			opts = append(opts, awsconfig.WithCredentialsProvider(StaticCredentialsProvider(accessKey, secretKey)))
		}
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		fields := watermill.LogFields{}
		if cfg != nil && cfg.GetAWSRegion() != "" {
			fields["requested_region"] = cfg.GetAWSRegion()
		}
		logger.Error("Failed to load AWS default config", err, fields)
		return nil, err
	}

	// The loader may ignore options.
	if cfg != nil && cfg.GetAWSRegion() != "" {
		awsCfg.Region = cfg.GetAWSRegion()
	}
	if cfg != nil && cfg.GetAWSEndpoint() != "" && !hasCustomEndpoint(&awsCfg) {
		awsCfg.BaseEndpoint = aws.String(cfg.GetAWSEndpoint())
	}

	logger.Info("Created AWS config", watermill.LogFields{
		"region":          safeAWSRegion(&awsCfg),
		"custom_endpoint": hasCustomEndpoint(&awsCfg),
	})
	return &awsCfg, nil
}

// target is the account, region and endpoint every SNS and SQS client of a
// transport talks to.
type target struct {
	accountID string
	region    string
	endpoint  *url.URL
}

// resolveTarget derives the target from cfg. The region falls back to the
// loaded SDK config. Against a custom endpoint a missing or malformed account
// id becomes the LocalStack account.
func resolveTarget(cfg transport.Config, awsCfg *aws.Config, logger watermill.LoggerAdapter) (target, error) {
	t := target{region: safeAWSRegion(awsCfg)}
	if cfg == nil {
		return t, nil
	}
	if r := cfg.GetAWSRegion(); r != "" {
		t.region = r
	}
	endpoint, err := EndpointURL(cfg)
	if err != nil {
		logger.Error("Invalid AWS endpoint", err, watermill.LogFields{"endpoint": cfg.GetAWSEndpoint()})
		return target{}, err
	}
	t.endpoint = endpoint

	t.accountID = strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	if t.endpoint != nil && len(t.accountID) != awsAccountIDLength {
		logger.Info("Using LocalStack account id", watermill.LogFields{"configured": t.accountID})
		t.accountID = localstackAccountID
	}
	return t, nil
}

// snsOptions and sqsOptions point the clients at the custom endpoint, if any.
func (t target) snsOptions() []func(*amazonsns.Options) {
	if t.endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: smithyendpoints.Endpoint{URI: *t.endpoint}}),
	}
}

func (t target) sqsOptions() []func(*amazonsqs.Options) {
	if t.endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: smithyendpoints.Endpoint{URI: *t.endpoint}}),
	}
}

func (t target) topicResolver(logger watermill.LoggerAdapter) (sns.TopicResolver, error) {
	resolver, err := TopicResolverFactory(t.accountID, t.region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"account_id": t.accountID,
			"region":     t.region,
		})
		return nil, err
	}
	return resolver, nil
}

func (t target) publisher(awsCfg *aws.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	resolver, err := t.topicResolver(logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Creating SNS publisher", watermill.LogFields{"account_id": t.accountID, "region": t.region})
	return PublisherFactory(sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     *awsCfg,
		OptFns:        t.snsOptions(),
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
}

// subscriber subscribes one SQS queue per topic, named after the topic.
func (t target) subscriber(awsCfg *aws.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	resolver, err := t.topicResolver(logger)
	if err != nil {
		return nil, err
	}
	return SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:     *awsCfg,
			OptFns:        t.snsOptions(),
			TopicResolver: resolver,
			GenerateSqsQueueName: func(ctx context.Context, topic sns.TopicArn) (string, error) {
				name, err := sns.ExtractTopicNameFromTopicArn(topic)
				return string(name), err
			},
		},
		sqs.SubscriberConfig{AWSConfig: *awsCfg, OptFns: t.sqsOptions()},
		logger,
	)
}

// EndpointURL parses the configured AWS endpoint. It returns nil when none is set.
func EndpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg == nil || cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}

	parsedURL, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return parsedURL, nil
}

func safeAWSRegion(cfg *aws.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Region
}

func hasCustomEndpoint(cfg *aws.Config) bool {
	return cfg != nil && cfg.BaseEndpoint != nil && *cfg.BaseEndpoint != ""
}

// StaticCredentialsProvider returns fixed credentials.
func StaticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
