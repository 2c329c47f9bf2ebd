package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
)

// SQSAPI is the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewSQSClient builds an SQS client. A custom endpoint (ElasticMQ,
// LocalStack) without explicit keys uses static dummy credentials.
func NewSQSClient(ctx context.Context, cfg config.SQSConfig, logger *zap.Logger) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	switch {
	case cfg.AccessKeyID != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	case cfg.Endpoint != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		logger.Info("using custom SQS endpoint", zap.String("endpoint", cfg.Endpoint))
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return sqs.NewFromConfig(awsCfg, clientOpts...), nil
}

// SQSQueue is a Queue on an SQS FIFO queue. The job partition is the message
// group, so SQS itself keeps jobs of one partition in order, and the job id is
// the deduplication id.
type SQSQueue struct {
	api    SQSAPI
	cfg    config.SQSConfig
	logger *zap.Logger
}

func NewSQSQueue(api SQSAPI, cfg config.SQSConfig, logger *zap.Logger) *SQSQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQSQueue{api: api, cfg: cfg, logger: logger}
}

func (q *SQSQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	group := job.Partition
	if group == "" {
		group = job.Kind
	}
	_, err = q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.cfg.QueueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(group),
		MessageDeduplicationId: aws.String(job.ID),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.Kind),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send job %s: %w", job.ID, err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context) ([]Delivery, error) {
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: q.cfg.MaxMessages,
		WaitTimeSeconds:     q.cfg.WaitTimeSeconds,
		VisibilityTimeout:   q.cfg.VisibilityTimeout,
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeName(types.MessageSystemAttributeNameApproximateReceiveCount),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		if d, ok := q.delivery(ctx, msg); ok {
			deliveries = append(deliveries, d)
		}
	}
	return deliveries, nil
}

func (q *SQSQueue) delivery(ctx context.Context, msg types.Message) (Delivery, bool) {
	handle := msg.ReceiptHandle
	ack := func(ctx context.Context) error {
		_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.cfg.QueueURL),
			ReceiptHandle: handle,
		})
		if err != nil {
			return fmt.Errorf("delete message %s: %w", aws.ToString(msg.MessageId), err)
		}
		return nil
	}

	var job Job
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
		q.logger.Warn("dropping malformed job message",
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Error(err))
		if err := ack(ctx); err != nil {
			q.logger.Error("failed to delete malformed message", zap.Error(err))
		}
		return Delivery{}, false
	}
	if n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
		job.Attempt = n - 1
	}

	return Delivery{
		Job: job,
		Ack: ack,
		Nack: func(ctx context.Context) error {
			_, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(q.cfg.QueueURL),
				ReceiptHandle:     handle,
				VisibilityTimeout: 0,
			})
			if err != nil {
				return fmt.Errorf("release message %s: %w", aws.ToString(msg.MessageId), err)
			}
			return nil
		},
	}, true
}

func (q *SQSQueue) Close() error {
	return nil
}
