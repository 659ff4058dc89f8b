// Package aws provides an Amazon SQS queue transport. SQS visibility timeouts
// are the lease and receipt handles are the lease handles.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
	"github.com/drblury/queuehost/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12

	// DefaultWaitTime is the long-poll duration of one ReceiveMessage call.
	DefaultWaitTime = time.Second
)

// Client is the subset of the SQS API the transport uses.
type Client interface {
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *amazonsqs.CreateQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error)
	DeleteQueue(ctx context.Context, params *amazonsqs.DeleteQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteQueueOutput, error)
	SendMessage(ctx context.Context, params *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// ClientFactory allows overriding the SQS client creation for testing.
var ClientFactory = func(cfg aws.Config, optFns ...func(*amazonsqs.Options)) Client {
	return amazonsqs.NewFromConfig(cfg, optFns...)
}

func init() {
	Register()
}

// Register adds the SQS transport (and its "sqs" alias) to the default
// registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
	transport.RegisterWithCapabilities("sqs", Build, transport.AWSCapabilities)
}

// Build creates a new SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Queue, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          safeAWSRegion(awsCfg),
		"custom_endpoint": hasCustomEndpoint(awsCfg),
	})

	optFns, err := endpointOptions(awsCfg)
	if err != nil {
		return nil, err
	}

	accountID, _ := resolveAccountAndRegion(cfg, logger, safeAWSRegion(awsCfg))
	return NewWithClient(ClientFactory(*awsCfg, optFns...), accountID, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// Transport implements transport.Queue against SQS.
type Transport struct {
	client    Client
	accountID string
	waitTime  time.Duration
	logger    watermill.LoggerAdapter

	urlMu sync.RWMutex
	urls  map[string]string

	closedMu sync.RWMutex
	closed   bool
}

var (
	_ transport.Queue             = (*Transport)(nil)
	_ transport.QueueIntrospector = (*Transport)(nil)
	_ transport.QueueDeleter      = (*Transport)(nil)
)

// NewWithClient creates a transport around an existing SQS client. accountID
// may be empty to use the caller's own account.
func NewWithClient(client Client, accountID string, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Transport{
		client:    client,
		accountID: accountID,
		waitTime:  DefaultWaitTime,
		logger:    logger.With(watermill.LogFields{"transport": TransportName}),
		urls:      make(map[string]string),
	}
}

func (t *Transport) checkOpen() error {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	if t.closed {
		return errspkg.ErrTransportClosed
	}
	return nil
}

// queueURL resolves and caches the URL of queue. A missing queue maps to
// ErrQueueNotFound.
func (t *Transport) queueURL(ctx context.Context, queue string) (string, error) {
	t.urlMu.RLock()
	u, ok := t.urls[queue]
	t.urlMu.RUnlock()
	if ok {
		return u, nil
	}

	input := &amazonsqs.GetQueueUrlInput{QueueName: aws.String(queue)}
	if t.accountID != "" {
		input.QueueOwnerAWSAccountId = aws.String(t.accountID)
	}
	out, err := t.client.GetQueueUrl(ctx, input)
	if err != nil {
		if isQueueMissing(err) {
			return "", errspkg.ErrQueueNotFound
		}
		return "", fmt.Errorf("failed to resolve queue %s: %w", queue, err)
	}

	u = aws.ToString(out.QueueUrl)
	t.urlMu.Lock()
	t.urls[queue] = u
	t.urlMu.Unlock()
	return u, nil
}

func isQueueMissing(err error) bool {
	var notExist *types.QueueDoesNotExist
	if errors.As(err, &notExist) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return true
		}
	}
	return false
}

func (t *Transport) Exists(ctx context.Context, queue string) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	_, err := t.queueURL(ctx, queue)
	if errors.Is(err, errspkg.ErrQueueNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *Transport) CreateIfMissing(ctx context.Context, queue string) error {
	if queue == "" {
		return errspkg.ErrQueueNameRequired
	}
	exists, err := t.Exists(ctx, queue)
	if err != nil || exists {
		return err
	}

	out, err := t.client.CreateQueue(ctx, &amazonsqs.CreateQueueInput{QueueName: aws.String(queue)})
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", queue, err)
	}
	t.urlMu.Lock()
	t.urls[queue] = aws.ToString(out.QueueUrl)
	t.urlMu.Unlock()
	t.logger.Info("Created SQS queue", watermill.LogFields{"queue": queue})
	return nil
}

func (t *Transport) Enqueue(ctx context.Context, queue string, body []byte) (transport.Message, error) {
	if err := t.checkOpen(); err != nil {
		return transport.Message{}, err
	}
	u, err := t.queueURL(ctx, queue)
	if err != nil {
		return transport.Message{}, err
	}

	out, err := t.client.SendMessage(ctx, &amazonsqs.SendMessageInput{
		QueueUrl:    aws.String(u),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return transport.Message{}, fmt.Errorf("failed to send message to %s: %w", queue, err)
	}
	return transport.Message{ID: aws.ToString(out.MessageId), Body: body, InsertedAt: time.Now()}, nil
}

// FetchBatch receives up to limit messages (at most ten) and hides them for
// lease.
func (t *Transport) FetchBatch(ctx context.Context, queue string, limit int, lease time.Duration) ([]transport.Message, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	u, err := t.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	limit = min(max(limit, 1), transport.AWSCapabilities.MaxBatchSize)
	out, err := t.client.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
		QueueUrl:            aws.String(u),
		MaxNumberOfMessages: int32(limit),
		VisibilityTimeout:   leaseSeconds(lease),
		WaitTimeSeconds:     int32(t.waitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", queue, err)
	}

	batch := make([]transport.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		batch = append(batch, toMessage(m))
	}
	return batch, nil
}

// leaseSeconds rounds lease up to whole seconds. SQS reads a zero timeout
// as "visible again immediately", so a positive lease never drops below one
// second. A non-positive lease leaves the queue default in place.
func leaseSeconds(lease time.Duration) int32 {
	if lease <= 0 {
		return 0
	}
	return int32((lease + time.Second - 1) / time.Second)
}

func toMessage(m types.Message) transport.Message {
	msg := transport.Message{
		ID:     aws.ToString(m.MessageId),
		Handle: aws.ToString(m.ReceiptHandle),
		Body:   []byte(aws.ToString(m.Body)),
	}
	attrs := m.Attributes
	if n, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		msg.DequeueCount = n
	}
	if ms, err := strconv.ParseInt(attrs[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		msg.InsertedAt = time.UnixMilli(ms)
	}
	return msg
}

// Delete removes msg using its receipt handle.
func (t *Transport) Delete(ctx context.Context, queue string, msg transport.Message) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if msg.Handle == "" {
		return errspkg.ErrMessageNotFound
	}
	u, err := t.queueURL(ctx, queue)
	if err != nil {
		return err
	}

	_, err = t.client.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(u),
		ReceiptHandle: aws.String(msg.Handle),
	})
	if err != nil {
		var invalid *types.ReceiptHandleIsInvalid
		if errors.As(err, &invalid) {
			return errspkg.ErrMessageNotFound
		}
		return fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
	}
	return nil
}

// GetPendingCount returns the approximate number of visible plus in-flight
// messages.
func (t *Transport) GetPendingCount(ctx context.Context, queue string) (int64, error) {
	u, err := t.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}
	out, err := t.client.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl: aws.String(u),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return 0, err
	}

	var total int64
	for _, name := range []types.QueueAttributeName{
		types.QueueAttributeNameApproximateNumberOfMessages,
		types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
	} {
		n, err := strconv.ParseInt(out.Attributes[string(name)], 10, 64)
		if err == nil {
			total += n
		}
	}
	return total, nil
}

func (t *Transport) DeleteQueue(ctx context.Context, queue string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	u, err := t.queueURL(ctx, queue)
	if errors.Is(err, errspkg.ErrQueueNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := t.client.DeleteQueue(ctx, &amazonsqs.DeleteQueueInput{QueueUrl: aws.String(u)}); err != nil {
		return err
	}

	t.urlMu.Lock()
	delete(t.urls, queue)
	t.urlMu.Unlock()
	return nil
}

// Close marks the transport closed. The SQS client holds no connections that
// need releasing.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	defer t.closedMu.Unlock()
	t.closed = true
	return nil
}

func createAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*aws.Config, error) {
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
			opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
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

	// the loader may ignore options when overridden in tests
	if cfg != nil && cfg.GetAWSRegion() != "" {
		awsCfg.Region = cfg.GetAWSRegion()
	}

	endpoint, err := awsEndpointURL(cfg)
	if err != nil {
		logger.Error("Failed to parse AWS endpoint", err, watermill.LogFields{"endpoint": cfg.GetAWSEndpoint()})
		return nil, err
	}
	if endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(endpoint.String())
	}

	return &awsCfg, nil
}

// endpointOptions points the SQS client at a custom endpoint such as
// LocalStack.
func endpointOptions(awsCfg *aws.Config) ([]func(*amazonsqs.Options), error) {
	if !hasCustomEndpoint(awsCfg) {
		return nil, nil
	}
	parsedURL, err := url.Parse(*awsCfg.BaseEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse BaseEndpoint: %w", err)
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}, nil
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	if cfg == nil {
		return "", fallbackRegion
	}

	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if accountID == "" && useLocalstackEndpoint(cfg) {
		accountID = localstackAccountID
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": accountID})
		return accountID, region
	}

	if accountID != "" && len(accountID) != awsAccountIDLength && useLocalstackEndpoint(cfg) {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		accountID = localstackAccountID
	}

	return accountID, region
}

func useLocalstackEndpoint(cfg transport.Config) bool {
	return cfg != nil && cfg.GetAWSEndpoint() != ""
}

func awsEndpointURL(cfg transport.Config) (*url.URL, error) {
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
