package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/helper"
)

type SQSOptions struct {
	QueueURL        string `mapstructure:"queue_url" validate:"required,url"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required_with=AccessKeyID"`
	// ErrorQueueURL receives the bodies of failed messages under the move
	// failure policy.
	ErrorQueueURL     string        `mapstructure:"error_queue_url" validate:"required_if=FailurePolicy move"`
	WaitTime          time.Duration `mapstructure:"wait_time" validate:"gte=0,lte=20s"`
	MaxMessages       int32         `mapstructure:"max_messages" validate:"gte=1,lte=10"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gte=0"`
	Test              bool          `mapstructure:"test"`
	FailurePolicy     FailurePolicy `mapstructure:"failure_policy" validate:"oneof=move leave"`
}

func DefaultSQSOptions() SQSOptions {
	return SQSOptions{
		WaitTime:          20 * time.Second,
		MaxMessages:       10,
		VisibilityTimeout: 5 * time.Minute,
		// failed messages become visible again and the queue redrive policy
		// takes over
		FailurePolicy: FailureLeave,
	}
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type s3GetAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SQS receives report mails from a queue. Bodies may be the raw mail, an
// SES receipt notification carrying the mail or pointing to an S3 object,
// or either of those wrapped in an SNS notification. Message IDs are the
// receipt handles, so acknowledgement must happen before the visibility
// timeout expires.
type SQS struct {
	logger *slog.Logger
	name   string
	opts   SQSOptions
	client sqsAPI
	s3     s3GetAPI

	mu     sync.Mutex
	bodies map[string]string
}

func NewSQSFromOptions(logger *slog.Logger, name string, options map[string]any) (Source, error) {
	opts := DefaultSQSOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewSQS(context.Background(), logger, name, opts)
}

func NewSQS(ctx context.Context, logger *slog.Logger, name string, opts SQSOptions) (*SQS, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not load aws config: %w", err)
	}

	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newSQS(logger, name, opts, client, s3Client), nil
}

func newSQS(logger *slog.Logger, name string, opts SQSOptions, client sqsAPI, s3Client s3GetAPI) *SQS {
	return &SQS{
		logger: logger,
		name:   name,
		opts:   opts,
		client: client,
		s3:     s3Client,
		bodies: make(map[string]string),
	}
}

func (s *SQS) Name() string {
	return s.name
}

var authErrorCodes = map[string]struct{}{
	"AccessDenied":                {},
	"AccessDeniedException":       {},
	"ExpiredToken":                {},
	"InvalidAccessKeyId":          {},
	"InvalidClientTokenId":        {},
	"SignatureDoesNotMatch":       {},
	"UnrecognizedClientException": {},
}

func wrapAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := authErrorCodes[apiErr.ErrorCode()]; ok {
			return fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		if apiErr.ErrorCode() == "AWS.SimpleQueueService.NonExistentQueue" || apiErr.ErrorCode() == "QueueDoesNotExist" {
			return fmt.Errorf("%w: %w", ErrFolderNotFound, err)
		}
	}
	return err
}

func (s *SQS) Fetch(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		s.mu.Lock()
		clear(s.bodies)
		s.mu.Unlock()

		seen := make(map[string]struct{})
		// only the first receive waits for messages to arrive
		wait := int32(s.opts.WaitTime / time.Second)
		for ctx.Err() == nil {
			out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            aws.String(s.opts.QueueURL),
				MaxNumberOfMessages: s.opts.MaxMessages,
				WaitTimeSeconds:     wait,
				VisibilityTimeout:   int32(s.opts.VisibilityTimeout / time.Second),
			})
			if err != nil {
				yield(Message{}, fmt.Errorf("could not receive messages: %w", wrapAWSError(err)))
				return
			}
			wait = 0

			var fresh int
			for _, m := range out.Messages {
				id := aws.ToString(m.MessageId)
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				fresh++

				handle := aws.ToString(m.ReceiptHandle)
				body := aws.ToString(m.Body)
				s.mu.Lock()
				s.bodies[handle] = body
				s.mu.Unlock()
				data, err := s.extractMail(ctx, body)
				if err != nil {
					s.logger.Error("could not get mail from queue message", slog.String("message_id", id), slog.String("err", err.Error()))
					if ctx.Err() != nil {
						return
					}
					if err := s.Acknowledge(ctx, handle, Failed); err != nil {
						s.logger.Error("could not acknowledge queue message", slog.String("message_id", id), slog.String("err", err.Error()))
					}
					continue
				}
				if !yield(Message{ID: handle, Data: data}, nil) {
					return
				}
			}
			if fresh == 0 {
				return
			}
		}
	}
}

type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

type sesNotification struct {
	NotificationType string `json:"notificationType"`
	Content          string `json:"content"`
	Receipt          struct {
		Action struct {
			Type       string `json:"type"`
			Encoding   string `json:"encoding"`
			BucketName string `json:"bucketName"`
			ObjectKey  string `json:"objectKey"`
		} `json:"action"`
	} `json:"receipt"`
}

// extractMail unwraps a queue body into the raw mail bytes. Bodies that are
// not JSON are taken as the mail itself.
func (s *SQS) extractMail(ctx context.Context, body string) ([]byte, error) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return []byte(body), nil
	}

	var env snsEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err == nil && env.Type == "Notification" {
		trimmed = strings.TrimSpace(env.Message)
		if !strings.HasPrefix(trimmed, "{") {
			return []byte(env.Message), nil
		}
	}

	var n sesNotification
	if err := json.Unmarshal([]byte(trimmed), &n); err != nil {
		// not a notification, let the parser decide
		return []byte(body), nil
	}
	switch {
	case n.Content != "" && strings.EqualFold(n.Receipt.Action.Encoding, "BASE64"):
		return helper.DecodeBase64(n.Content)
	case n.Content != "":
		return []byte(n.Content), nil
	case n.Receipt.Action.Type == "S3" && n.Receipt.Action.ObjectKey != "":
		return s.getObject(ctx, n.Receipt.Action.BucketName, n.Receipt.Action.ObjectKey)
	default:
		return []byte(body), nil
	}
}

func (s *SQS) getObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("could not get s3://%s/%s: %w", bucket, key, wrapAWSError(err))
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *SQS) Acknowledge(ctx context.Context, id string, outcome Outcome) error {
	if s.opts.Test {
		s.logger.Info("test mode, not touching queue message", slog.String("outcome", outcome.String()))
		return nil
	}

	s.mu.Lock()
	body, ok := s.bodies[id]
	delete(s.bodies, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown receipt handle %q", id)
	}

	switch {
	case outcome.IsProcessed():
	case s.opts.FailurePolicy == FailureLeave:
		s.logger.Info("leaving failed message in the queue")
		return nil
	default:
		s.logger.Info("moving failed message to the error queue", slog.String("queue", s.opts.ErrorQueueURL))
		if _, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.opts.ErrorQueueURL),
			MessageBody: aws.String(body),
		}); err != nil {
			return fmt.Errorf("could not send message to the error queue: %w", wrapAWSError(err))
		}
	}

	if _, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.opts.QueueURL),
		ReceiptHandle: aws.String(id),
	}); err != nil {
		return fmt.Errorf("could not delete message: %w", wrapAWSError(err))
	}
	return nil
}

func (s *SQS) Close() error {
	return nil
}
