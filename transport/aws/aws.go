// Package aws provides the AWS SNS/SQS transport. Each channel maps to an SNS
// topic; every process subscribes through its own SQS queue.
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

	"github.com/drblury/wsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
	maxQueueNameLength  = 80
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
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	endpoint, err := awsEndpointURL(cfg)
	if err != nil {
		logger.Error("Failed to parse AWS endpoint", err, watermill.LogFields{"endpoint": cfg.GetAWSEndpoint()})
		return transport.Transport{}, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": endpoint != nil,
	})

	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	topicResolver, err := createTopicResolver(accountID, region, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(buildPublisherConfig(awsCfg, topicResolver, endpoint), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	snsCfg, sqsCfg := buildSubscriberConfig(awsCfg, topicResolver, endpoint, cfg.GetProcessID())
	subscriber, err := SubscriberFactory(snsCfg, sqsCfg, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

func createAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	accessKey := cfg.GetAWSAccessKeyID()
	secretKey := cfg.GetAWSSecretAccessKey()

	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey != "" && secretKey != "" {
		logger.Info("Using static AWS credentials from config", watermill.LogFields{})
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": region})
		return aws.Config{}, err
	}

	// The loader may ignore the region option when a profile sets one.
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

// topicResolver maps channel names to valid SNS topic names before
// resolving the ARN.
type topicResolver struct {
	inner sns.TopicResolver
}

func (r topicResolver) ResolveTopic(ctx context.Context, topic string) (sns.TopicArn, error) {
	return r.inner.ResolveTopic(ctx, SanitizeName(topic))
}

func createTopicResolver(accountID, region string, logger watermill.LoggerAdapter) (sns.TopicResolver, error) {
	inner, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return nil, err
	}
	return topicResolver{inner: inner}, nil
}

// SanitizeName replaces every character SNS and SQS names do not allow with
// a hyphen: "websocket/chat" becomes "websocket-chat".
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, strings.Trim(name, "/"))
}

// QueueName returns the SQS queue of one process for a topic. Long topic
// names are truncated so the process suffix always survives.
func QueueName(topic, processID string) string {
	suffix := "-" + SanitizeName(processID)
	name := SanitizeName(topic)
	if len(name)+len(suffix) > maxQueueNameLength {
		name = name[:maxQueueNameLength-len(suffix)]
	}
	return name + suffix
}

func makeSqsQueueNameGenerator(processID string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		return QueueName(string(topic), processID), nil
	}
}

func buildPublisherConfig(awsCfg aws.Config, resolver sns.TopicResolver, endpoint *url.URL) sns.PublisherConfig {
	publisherConfig := sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if endpoint != nil {
		publisherConfig.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
				Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
			}),
		}
	}
	return publisherConfig
}

func buildSubscriberConfig(awsCfg aws.Config, resolver sns.TopicResolver, endpoint *url.URL, processID string) (sns.SubscriberConfig, sqs.SubscriberConfig) {
	snsCfg := sns.SubscriberConfig{
		AWSConfig:            awsCfg,
		TopicResolver:        resolver,
		GenerateSqsQueueName: makeSqsQueueNameGenerator(processID),
	}
	sqsCfg := sqs.SubscriberConfig{
		AWSConfig: awsCfg,
	}
	if endpoint != nil {
		snsCfg.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
				Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
			}),
		}
		sqsCfg.OptFns = []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
				Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
			}),
		}
	}
	return snsCfg, sqsCfg
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if cfg.GetAWSEndpoint() == "" {
		return accountID, region
	}
	if accountID == "" {
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": localstackAccountID})
		return localstackAccountID, region
	}
	if len(accountID) != awsAccountIDLength {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		return localstackAccountID, region
	}
	return accountID, region
}

func awsEndpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}
	parsedURL, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return parsedURL, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
