package proof

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jogardn/fieldops/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Uploader stores a proof photo and returns the URL the API should record.
type Uploader interface {
	Upload(ctx context.Context, deliveryID int64, photo *Photo) (string, error)
}

type ProofAPI interface {
	UploadProof(ctx context.Context, deliveryID int64, filename string, content io.Reader) (string, error)
}

// APIUploader posts photos to the API's proof endpoint.
type APIUploader struct {
	api ProofAPI
}

func NewAPIUploader(api ProofAPI) *APIUploader {
	return &APIUploader{api: api}
}

func (u *APIUploader) Upload(ctx context.Context, deliveryID int64, photo *Photo) (string, error) {
	url, err := u.api.UploadProof(ctx, deliveryID, fmt.Sprintf("delivery-%d.jpg", deliveryID), photo.Reader())
	metrics.ProofUploadsTotal.WithLabelValues("api", metrics.Result(err)).Inc()
	return url, err
}

type S3Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
	PublicBaseURL string // defaults to <endpoint>/<bucket>
}

// S3Uploader puts photos straight into an S3 compatible bucket.
type S3Uploader struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
	logger        *logrus.Logger
}

func NewS3Uploader(ctx context.Context, cfg S3Config, logger *logrus.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	publicBaseURL := cfg.PublicBaseURL
	if publicBaseURL == "" {
		if cfg.Endpoint != "" {
			publicBaseURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		} else {
			publicBaseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
		}
	}

	return &S3Uploader{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger,
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, deliveryID int64, photo *Photo) (string, error) {
	key := fmt.Sprintf("deliveries/%d/%s.jpg", deliveryID, uuid.NewString())

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(photo.Data),
		ContentType:   aws.String(photo.ContentType()),
		ContentLength: aws.Int64(int64(len(photo.Data))),
	})
	metrics.ProofUploadsTotal.WithLabelValues("s3", metrics.Result(err)).Inc()
	if err != nil {
		return "", fmt.Errorf("failed to upload proof photo: %w", err)
	}

	u.logger.WithFields(logrus.Fields{
		"delivery_id": deliveryID,
		"bucket":      u.bucket,
		"key":         key,
		"bytes":       len(photo.Data),
	}).Info("Proof photo stored")

	return u.publicBaseURL + "/" + key, nil
}
