// internal/services/storage_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/autoparts-backend/internal/config"
)

const MaxImageSize = 5 * 1024 * 1024 // 5MB

// allowed image content types and the extension stored for each
var imageTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
}

type StorageService struct {
	s3Client  *s3.S3
	aws       config.AWSConfig
	uploadDir string
	publicURL string
	now       func() time.Time
}

type UploadResult struct {
	URL      string `json:"url"`
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

func NewStorageService(cfg *config.Config) (*StorageService, error) {
	s := &StorageService{
		aws:       cfg.AWS,
		uploadDir: cfg.Server.UploadDir,
		publicURL: strings.TrimRight(cfg.Server.PublicURL, "/"),
		now:       time.Now,
	}

	if cfg.AWS.AccessKeyID == "" {
		// Local disk storage for development
		return s, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.AWS.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWS.AccessKeyID,
			cfg.AWS.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	s.s3Client = s3.New(sess)
	return s, nil
}

// UploadImage stores a png or jpeg image and returns its public URL.
func (s *StorageService) UploadImage(ctx context.Context, r io.Reader, size int64, contentType string) (*UploadResult, error) {
	contentType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := imageTypes[contentType]
	if !ok {
		return nil, newError(ErrValidation, "Only PNG and JPEG images are allowed")
	}
	if size > MaxImageSize {
		return nil, newError(ErrValidation, "Image exceeds the maximum size of %d bytes", MaxImageSize)
	}

	// Read one byte past the limit to catch a lying size header
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, newError(ErrValidation, "Image exceeds the maximum size of %d bytes", MaxImageSize)
	}
	if len(data) == 0 {
		return nil, newError(ErrValidation, "Image is empty")
	}
	if sniffed := sniffImageType(data); sniffed != contentType {
		return nil, newError(ErrValidation, "File content does not match %s", contentType)
	}

	key := s.generateKey(ext)
	if s.s3Client != nil {
		return s.uploadToS3(ctx, data, key, contentType)
	}
	return s.uploadToLocal(data, key, contentType)
}

func (s *StorageService) uploadToS3(ctx context.Context, data []byte, key, contentType string) (*UploadResult, error) {
	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.aws.S3Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		ACL:           aws.String("public-read"),
	})
	if err != nil {
		logrus.WithError(err).WithField("key", key).Error("S3 upload failed")
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	return &UploadResult{
		URL:      s.getS3URL(key),
		Key:      key,
		Size:     int64(len(data)),
		MimeType: contentType,
	}, nil
}

func (s *StorageService) uploadToLocal(data []byte, key, contentType string) (*UploadResult, error) {
	path := filepath.Join(s.uploadDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return &UploadResult{
		URL:      fmt.Sprintf("%s/uploads/%s", s.publicURL, key),
		Key:      key,
		Size:     int64(len(data)),
		MimeType: contentType,
	}, nil
}

// DeleteImage removes an image previously returned by UploadImage.
func (s *StorageService) DeleteImage(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "images/") || strings.Contains(key, "..") {
		return newError(ErrValidation, "Invalid image key")
	}
	return s.DeleteFile(ctx, key)
}

func (s *StorageService) DeleteFile(ctx context.Context, key string) error {
	if s.s3Client == nil {
		err := os.Remove(filepath.Join(s.uploadDir, filepath.FromSlash(key)))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		return nil
	}

	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.aws.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete file from S3: %w", err)
	}
	return nil
}

// generateKey names files images/{yyyyMMdd}_{first 8 of a uuid}{ext}.
func (s *StorageService) generateKey(ext string) string {
	return fmt.Sprintf("images/%s_%s%s", s.now().Format("20060102"), uuid.New().String()[:8], ext)
}

func (s *StorageService) getS3URL(key string) string {
	if s.aws.CloudFrontURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimRight(s.aws.CloudFrontURL, "/"), key)
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.aws.S3Bucket, s.aws.Region, key)
}

func sniffImageType(data []byte) string {
	// Check for JPEG
	if len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// Check for PNG
	if len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}
	return http.DetectContentType(data)
}
