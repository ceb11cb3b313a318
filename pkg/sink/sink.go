package sink

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cloudigrade/houndigrade/pkg/types"
)

const (
	AWSRetryMaxAttempts = 5

	resultsKeyTimeLayout = "2006-01/02/15.04.05"
)

// Sink publishes the final report of a run.
type Sink interface {
	Publish(ctx context.Context, report *types.OverallReport) error
}

// New returns a sink uploading to bucket, or writing to w when no bucket is
// configured.
func New(ctx context.Context, bucket, region string, w io.Writer) (Sink, error) {
	if bucket == "" {
		return NewWriterSink(w), nil
	}
	return NewS3Sink(ctx, bucket, region)
}

type WriterSink struct {
	w io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Publish(ctx context.Context, report *types.OverallReport) error {
	output, err := json.MarshalIndent(report, "", "\t")
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	if _, err := fmt.Fprintln(s.w, string(output)); err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	return nil
}

// ObjectPutter is the part of the S3 client the sink needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Sink struct {
	bucket string
	client ObjectPutter
	now    func() time.Time
}

func NewS3Sink(ctx context.Context, bucket, region string) (*S3Sink, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(AWSRetryMaxAttempts),
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration")
	}
	return NewS3SinkWithClient(bucket, s3.NewFromConfig(cfg)), nil
}

func NewS3SinkWithClient(bucket string, client ObjectPutter) *S3Sink {
	return &S3Sink{
		bucket: bucket,
		client: client,
		now:    time.Now,
	}
}

// ResultsKey is a fresh object key for a report produced at t.
func ResultsKey(t time.Time) string {
	return fmt.Sprintf("%v/%v-%v.json", types.ResultsKeyPrefix, t.Format(resultsKeyTimeLayout), uuid.New().String())
}

func (s *S3Sink) Publish(ctx context.Context, report *types.OverallReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	sum := md5.Sum(body)
	key := ResultsKey(s.now())

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		Body:       bytes.NewReader(body),
		ContentMD5: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	}); err != nil {
		return errors.Wrapf(err, "failed to put results object %v in bucket %v", key, s.bucket)
	}

	logrus.WithField("component", "sink").Infof("Reported results to s3://%v/%v", s.bucket, key)
	return nil
}
