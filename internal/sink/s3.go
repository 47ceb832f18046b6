package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/report"
)

type S3Options struct {
	Bucket          string `mapstructure:"bucket" validate:"required"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required_with=AccessKeyID"`
	// PathStyle addresses the bucket in the path, needed by most S3
	// compatible servers.
	PathStyle bool `mapstructure:"path_style"`
}

// ObjectKey returns the storage key of a report:
// {prefix}/{kind}/year=YYYY/month=MM/day=DD/{id}.json
func ObjectKey(prefix string, kind report.Kind, date time.Time, id string) string {
	date = date.UTC()
	key := fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/%s.json", kind, date.Year(), int(date.Month()), date.Day(), id)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores one JSON object per report. Objects are overwritten when a
// report is delivered again.
type S3 struct {
	logger *slog.Logger
	opts   S3Options
	client s3API
}

func NewS3FromOptions(logger *slog.Logger, options map[string]any) (Transport, error) {
	var opts S3Options
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewS3(logger, opts), nil
}

func NewS3(logger *slog.Logger, opts S3Options) *S3 {
	return &S3{
		logger: logger,
		opts:   opts,
	}
}

func (s *S3) Open(ctx context.Context) error {
	if s.client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if s.opts.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(s.opts.Region))
		}
		if s.opts.AccessKeyID != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(s.opts.AccessKeyID, s.opts.SecretAccessKey, ""),
			))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return fmt.Errorf("could not load aws config: %w", err)
		}
		s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if s.opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.opts.Endpoint)
			}
			o.UsePathStyle = s.opts.PathStyle
			// S3 compatible servers often reject the newer default checksums
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		})
	}

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)}); err != nil {
		return fmt.Errorf("could not access bucket %s: %w", s.opts.Bucket, err)
	}
	return nil
}

func (s *S3) Close(context.Context) error {
	return nil
}

func (s *S3) put(ctx context.Context, r report.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("could not marshal report: %w", err)
	}
	key := ObjectKey(s.opts.Prefix, r.Kind(), r.Date(), r.ID())
	s.logger.Debug("uploading report", slog.String("key", key))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    r.Attributes(),
	})
	if err != nil {
		return fmt.Errorf("could not upload %s: %w", key, err)
	}
	return nil
}

func (s *S3) Aggregate(ctx context.Context, r *report.AggregateReport) error {
	return s.put(ctx, r)
}

func (s *S3) Forensic(ctx context.Context, r *report.ForensicReport) error {
	return s.put(ctx, r)
}
