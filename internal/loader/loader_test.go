package loader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamlforge/perfcore/internal/circuit"
	"github.com/yamlforge/perfcore/pkg/errors"
	"github.com/yamlforge/perfcore/pkg/utils"
)

func TestFileLoader(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "schemas"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "schemas", "k8s.json"), []byte(`{"type":"object"}`), 0644))

	l := NewFileLoader(root)
	assert.Equal(t, "file", l.Name())

	data, err := l.Load(context.Background(), "schemas/k8s.json")
	require.NoError(t, err)
	assert.Equal(t, `{"type":"object"}`, string(data))

	_, err = l.Load(context.Background(), "schemas/missing.json")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))
	assert.False(t, errors.IsTransient(err))

	_, err = l.Load(context.Background(), "  ")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Load(ctx, "schemas/k8s.json")
	assert.Error(t, err)
}

func TestFileLoaderStaysBelowRoot(t *testing.T) {
	root := t.TempDir()
	l := NewFileLoader(root)
	assert.Equal(t, filepath.Join(root, "etc", "passwd"), l.Path("../../etc/passwd"))
	assert.Equal(t, filepath.Join(root, "a.yaml"), l.Path("/a.yaml"))
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	err     error
	keys    []string
	delay   time.Duration
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	f.keys = append(f.keys, aws.ToString(in.Key))
	err, delay := f.err, f.delay
	body, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &s3.HeadBucketOutput{}, nil
}

func newTestS3Loader(client *fakeS3, prefix string) *S3Loader {
	return NewS3LoaderWithClient(client, &S3Config{Bucket: "configs", Prefix: prefix}, S3Deps{
		Logger: utils.NewNopLogger(),
	})
}

func TestS3LoaderLoad(t *testing.T) {
	client := &fakeS3{objects: map[string]string{"v1/app.yaml": "name: app"}}
	l := newTestS3Loader(client, "v1")
	assert.Equal(t, "s3", l.Name())

	data, err := l.Load(context.Background(), "/app.yaml")
	require.NoError(t, err)
	assert.Equal(t, "name: app", string(data))
	assert.Equal(t, []string{"v1/app.yaml"}, client.keys)
	assert.NoError(t, l.HealthCheck(context.Background()))
}

func TestS3LoaderErrorTranslation(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      errors.ErrorCode
		transient bool
	}{
		{"missing key", &s3types.NoSuchKey{}, errors.ErrCodeObjectNotFound, false},
		{"missing bucket", &s3types.NoSuchBucket{}, errors.ErrCodeStorageRead, false},
		{"denied", &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}, errors.ErrCodeAccessDenied, false},
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown", Fault: smithy.FaultClient}, errors.ErrCodeNetworkError, true},
		{"server fault", &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}, errors.ErrCodeNetworkError, true},
		{"transport", io.ErrUnexpectedEOF, errors.ErrCodeNetworkError, true},
		{"deadline", context.DeadlineExceeded, errors.ErrCodeConnectionTimeout, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestS3Loader(&fakeS3{err: tt.err}, "")
			_, err := l.Load(context.Background(), "a.yaml")
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestS3LoaderTimeout(t *testing.T) {
	client := &fakeS3{objects: map[string]string{"a.yaml": "a"}, delay: time.Second}
	l := NewS3LoaderWithClient(client, &S3Config{Bucket: "configs", Timeout: 10 * time.Millisecond}, S3Deps{
		Logger: utils.NewNopLogger(),
	})
	_, err := l.Load(context.Background(), "a.yaml")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConnectionTimeout))
}

func TestS3LoaderBreakerIgnoresMissingKeys(t *testing.T) {
	client := &fakeS3{objects: map[string]string{}}
	l := newTestS3Loader(client, "")
	for i := 0; i < 10; i++ {
		_, err := l.Load(context.Background(), "missing.yaml")
		require.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))
	}
	assert.Equal(t, "closed", l.BreakerStats().State)
}

func TestS3LoaderBreakerOpensOnTransientFailures(t *testing.T) {
	client := &fakeS3{err: &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}}
	breaker := circuit.New("s3:configs", circuit.Config{
		FailureThreshold: 2,
		IsFailure:        errors.IsTransient,
	}, circuit.Deps{Logger: utils.NewNopLogger()})
	l := NewS3LoaderWithClient(client, &S3Config{Bucket: "configs"}, S3Deps{
		Breaker: breaker,
		Logger:  utils.NewNopLogger(),
	})

	for i := 0; i < 2; i++ {
		_, err := l.Load(context.Background(), "a.yaml")
		require.True(t, errors.HasCode(err, errors.ErrCodeNetworkError))
	}
	_, err := l.Load(context.Background(), "a.yaml")
	assert.True(t, errors.HasCode(err, errors.ErrCodeCircuitOpen))
	assert.Len(t, client.keys, 2, "an open breaker short-circuits the call")
	assert.Error(t, l.HealthCheck(context.Background()))
}

func TestNewS3LoaderRequiresBucket(t *testing.T) {
	_, err := NewS3Loader(context.Background(), &S3Config{}, S3Deps{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}
