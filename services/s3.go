package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	"transcoder/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type S3Service struct {
	client     *s3.S3
	bucket     string
	downloader *s3manager.Downloader
	uploader   *s3manager.Uploader
}

func NewS3Service(cfg *config.Config) *S3Service {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess := session.Must(session.NewSession(awsCfg))

	return &S3Service{
		client:     s3.New(sess),
		bucket:     cfg.S3Bucket,
		downloader: s3manager.NewDownloader(sess),
		uploader:   s3manager.NewUploader(sess),
	}
}

// SplitRef splits an s3://bucket/key reference. The bucket part may be
// empty, in which case the service's configured bucket applies.
func SplitRef(ref string) (bucket, key string, ok bool) {
	trimmed, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(trimmed, "/")
	if !found || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func (s *S3Service) resolveBucket(bucket string) string {
	if bucket == "" {
		return s.bucket
	}
	return bucket
}

// Head verifies that an s3 reference resolves to a readable object.
func (s *S3Service) Head(ctx context.Context, ref string) error {
	bucket, key, ok := SplitRef(ref)
	if !ok {
		return fmt.Errorf("malformed s3 reference %q", ref)
	}
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.resolveBucket(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 object %s not readable: %w", ref, err)
	}
	return nil
}

// Download fetches an s3 reference into localPath.
func (s *S3Service) Download(ctx context.Context, ref string, localPath string) error {
	bucket, key, ok := SplitRef(ref)
	if !ok {
		return fmt.Errorf("malformed s3 reference %q", ref)
	}

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()

	_, err = s.downloader.DownloadWithContext(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.resolveBucket(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download from S3: %w", err)
	}
	return nil
}

// Upload stores localPath under key in the configured bucket and returns
// the canonical s3 reference of the stored object.
func (s *S3Service) Upload(ctx context.Context, localPath string, key string, contentType string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// ContentTypeFor maps a target format to the upload content type.
func ContentTypeFor(format string) string {
	switch format {
	case "mp4", "webm", "mkv", "mov":
		return "video/" + format
	case "mp3":
		return "audio/mpeg"
	case "aac", "flac", "wav", "ogg", "opus":
		return "audio/" + format
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png", "webp":
		return "image/" + format
	default:
		return "application/octet-stream"
	}
}
