package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

type S3Option func(*S3Checkpointer)

func S3WithRegion(region string) S3Option {
	return func(c *S3Checkpointer) {
		c.Region = region
	}
}

func S3WithBucket(bucket string) S3Option {
	return func(c *S3Checkpointer) {
		c.Bucket = bucket
	}
}

func S3WithKey(key string) S3Option {
	return func(c *S3Checkpointer) {
		c.Key = key
	}
}

func S3WithEndpoint(endpoint string) S3Option {
	return func(c *S3Checkpointer) {
		c.Endpoint = endpoint
	}
}

func S3WithForcePathStyle(forcePathStyle bool) S3Option {
	return func(c *S3Checkpointer) {
		c.ForcePathStyle = forcePathStyle
	}
}

// S3WithStaticCredentials overrides the default AWS credential chain.
func S3WithStaticCredentials(id, secret string) S3Option {
	return func(c *S3Checkpointer) {
		c.creds = credentials.NewStaticCredentials(id, secret, "")
	}
}

func S3WithLogger(l *zap.Logger) S3Option {
	return func(c *S3Checkpointer) {
		if l != nil {
			c.logger = l
		}
	}
}

// S3Checkpointer keeps the state document in a single S3 object.
type S3Checkpointer struct {
	logger   *zap.Logger
	client   *s3.S3
	uploader *s3manager.Uploader
	creds    *credentials.Credentials

	Endpoint       string
	Region         string
	Bucket         string
	Key            string
	ForcePathStyle bool
}

func NewS3Checkpointer(opts ...S3Option) (*S3Checkpointer, error) {
	c := &S3Checkpointer{
		logger: zap.NewNop(),
		Key:    "state.json",
	}
	for _, o := range opts {
		o(c)
	}
	if c.Bucket == "" {
		return nil, errors.New("s3 checkpointer: bucket is required")
	}
	if c.Key == "" {
		c.Key = "state.json"
	}

	awsConfig := &aws.Config{
		Region:           aws.String(c.Region),
		S3ForcePathStyle: aws.Bool(c.ForcePathStyle),
	}
	if c.Endpoint != "" {
		awsConfig.Endpoint = aws.String(c.Endpoint)
	}
	if c.creds != nil {
		awsConfig.Credentials = c.creds
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("s3 checkpointer: %w", err)
	}
	c.client = s3.New(sess)
	c.uploader = s3manager.NewUploader(sess)
	return c, nil
}

func (c *S3Checkpointer) Load(ctx context.Context) (*State, error) {
	out, err := c.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(c.Key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			c.logger.Info("No state found",
				zap.String("bucket", c.Bucket),
				zap.String("key", c.Key),
			)
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load state s3://%s/%s: %w", c.Bucket, c.Key, err)
	}

	c.logger.Info("State loaded",
		zap.String("bucket", c.Bucket),
		zap.String("key", c.Key),
	)
	return s, nil
}

func (c *S3Checkpointer) Save(ctx context.Context, s *State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	c.logger.Debug("Saving state",
		zap.String("bucket", c.Bucket),
		zap.String("key", c.Key),
		zap.Int("bytes", len(data)),
	)

	_, err = c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(c.Bucket),
		Key:         aws.String(c.Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (c *S3Checkpointer) Delete(ctx context.Context) error {
	_, err := c.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(c.Key),
	})
	return err
}
