package publish

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/config"
)

// Compile-time interface check.
var _ Mirror = (*s3Mirror)(nil)

type s3Mirror struct {
	log    logrus.FieldLogger
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror creates a Mirror that writes published documents to an
// S3-compatible bucket:
//
//	{prefix}sites/{project}/index.html
//	{prefix}sites/{project}/versions/{version}.html
func NewS3Mirror(log logrus.FieldLogger, cfg *config.S3Config) Mirror {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &s3Mirror{
		log:    log.WithField("component", "s3-mirror"),
		client: newS3Client(cfg),
		bucket: cfg.Bucket,
		prefix: prefix,
	}
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}

			// Many S3-compatible stores reject streaming checksum trailers.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		},
	}

	return s3.New(s3.Options{}, opts...)
}

func (m *s3Mirror) indexKey(projectID string) string {
	return m.prefix + "sites/" + projectID + "/index.html"
}

func (m *s3Mirror) versionKey(projectID string, version int64) string {
	return fmt.Sprintf("%ssites/%s/versions/%020d.html", m.prefix, projectID, version)
}

// Put uploads the document as the project index and as a version object.
func (m *s3Mirror) Put(ctx context.Context, a *Artifact) error {
	for _, key := range []string{m.versionKey(a.ProjectID, a.Version), m.indexKey(a.ProjectID)} {
		_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(m.bucket),
			Key:          aws.String(key),
			Body:         strings.NewReader(a.HTML),
			ContentType:  aws.String("text/html; charset=utf-8"),
			CacheControl: aws.String("no-cache"),
		})
		if err != nil {
			return fmt.Errorf("uploading s3://%s/%s: %w", m.bucket, key, err)
		}
	}

	m.log.WithFields(logrus.Fields{
		"project_id": a.ProjectID,
		"version":    a.Version,
	}).Debug("Mirrored artifact to S3")

	return nil
}

// Remove deletes an evicted version object.
func (m *s3Mirror) Remove(ctx context.Context, projectID string, version int64) error {
	key := m.versionKey(projectID, version)

	if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("deleting s3://%s/%s: %w", m.bucket, key, err)
	}

	return nil
}
