package loader

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"

	"github.com/yamlforge/perfcore/internal/circuit"
	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/errors"
	"github.com/yamlforge/perfcore/pkg/utils"
)

// S3Config represents S3 loader settings
type S3Config struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool

	AccessKeyID     string
	SecretAccessKey string

	// Timeout bounds a single GetObject including the body read
	Timeout time.Duration
}

// S3API is the subset of the S3 client used by the loader
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Deps are the optional collaborators of an S3Loader
type S3Deps struct {
	Breaker *circuit.Breaker
	Logger  *utils.StructuredLogger
	Clock   clock.Clock
}

// S3Loader reads documents from a bucket through a circuit breaker
type S3Loader struct {
	client  S3API
	config  S3Config
	breaker *circuit.Breaker
	logger  *utils.StructuredLogger
}

// NewS3Loader builds an S3 client from the AWS default configuration chain
func NewS3Loader(ctx context.Context, cfg *S3Config, deps S3Deps) (*S3Loader, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("loader")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	// retries belong to the scheduler
	opts = append(opts, awsconfig.WithRetryMaxAttempts(1))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent("loader")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return NewS3LoaderWithClient(client, cfg, deps), nil
}

// NewS3LoaderWithClient wires an existing client
func NewS3LoaderWithClient(client S3API, cfg *S3Config, deps S3Deps) *S3Loader {
	if deps.Logger == nil {
		deps.Logger = utils.DefaultLogger()
	}
	logger := deps.Logger.WithComponent("loader").WithField("bucket", cfg.Bucket)
	if deps.Breaker == nil {
		bcfg := circuit.DefaultConfig()
		// missing keys and denied reads say nothing about backend health
		bcfg.IsFailure = errors.IsTransient
		deps.Breaker = circuit.New("s3:"+cfg.Bucket, bcfg, circuit.Deps{Clock: deps.Clock, Logger: deps.Logger})
	}
	return &S3Loader{
		client:  client,
		config:  *cfg,
		breaker: deps.Breaker,
		logger:  logger,
	}
}

// Name identifies the loader in logs and stats
func (l *S3Loader) Name() string { return "s3" }

// ObjectKey maps a document key to its object key under the prefix
func (l *S3Loader) ObjectKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if l.config.Prefix == "" {
		return key
	}
	return path.Join(l.config.Prefix, key)
}

// Load fetches the object body for key
func (l *S3Loader) Load(ctx context.Context, key string) ([]byte, error) {
	if l.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.Timeout)
		defer cancel()
	}

	objectKey := l.ObjectKey(key)
	var data []byte
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(l.config.Bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			return l.translateError(err, "GetObject", objectKey)
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		if err != nil {
			return l.translateError(err, "ReadBody", objectKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Loaded object", map[string]interface{}{
		"key":  objectKey,
		"size": humanize.IBytes(uint64(len(data))),
	})
	return data, nil
}

// HealthCheck verifies the bucket is reachable
func (l *S3Loader) HealthCheck(ctx context.Context) error {
	return l.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := l.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(l.config.Bucket)})
		if err != nil {
			return l.translateError(err, "HeadBucket", "")
		}
		return nil
	})
}

// BreakerStats reports the state of the loader's circuit breaker
func (l *S3Loader) BreakerStats() circuit.Stats {
	return l.breaker.Stats()
}

func (l *S3Loader) translateError(err error, operation, key string) error {
	var code errors.ErrorCode
	var apiErr smithy.APIError

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		code = errors.ErrCodeConnectionTimeout
	case stderrors.Is(err, context.Canceled):
		code = errors.ErrCodeOperationFailed
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		code = errors.ErrCodeObjectNotFound
	case isErrorType[*s3types.NoSuchBucket](err):
		code = errors.ErrCodeStorageRead
	case stderrors.As(err, &apiErr):
		switch {
		case apiErr.ErrorCode() == "AccessDenied" || apiErr.ErrorCode() == "Forbidden":
			code = errors.ErrCodeAccessDenied
		case apiErr.ErrorCode() == "SlowDown" || apiErr.ErrorFault() == smithy.FaultServer:
			code = errors.ErrCodeNetworkError
		default:
			code = errors.ErrCodeStorageRead
		}
	default:
		code = errors.ErrCodeNetworkError
	}

	e := errors.Wrap(err, code, fmt.Sprintf("%s failed", operation)).
		WithComponent("loader").
		WithOperation(operation).
		WithContext("bucket", l.config.Bucket)
	if key != "" {
		e = e.WithContext("key", key)
	}
	return e
}

func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
