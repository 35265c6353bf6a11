package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"

	"github.com/sdko-org/certdeliver/internal/config"
)

// S3Mirror keeps an off-site copy of packaged artifacts. Uploads are
// best-effort from the packaging hook's point of view: the local targets
// directory remains the source of truth for the server.
type S3Mirror struct {
	uploader *s3manager.Uploader
	bucket   string
	log      *logrus.Entry
}

// NewS3Mirror returns nil when no bucket is configured.
func NewS3Mirror(logger *logrus.Logger, cfg *config.HookConfig) *S3Mirror {
	if cfg.S3Bucket == "" {
		return nil
	}

	awsConfig := &aws.Config{
		Region:           aws.String(cfg.S3Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, "")
	}
	if cfg.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3Endpoint)
	}

	sess := session.Must(session.NewSession(awsConfig))

	return &S3Mirror{
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.S3Bucket,
		log:      logger.WithField("component", "s3_mirror"),
	}
}

// Upload copies the artifact at path into the mirror bucket under
// artifacts/{filename}.
func (m *S3Mirror) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact for upload: %w", err)
	}
	defer f.Close()

	key := "artifacts/" + filepath.Base(path)
	_, err = m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"bucket": m.bucket,
		"key":    key,
	}).Info("Artifact mirrored to S3")
	return nil
}
