package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awshttp "github.com/aws/smithy-go/transport/http"
	"github.com/rotisserie/eris"

	"conversion-relay/internal/config"
	"conversion-relay/internal/models"
)

// S3Feed serves providers that ingest offline conversions from bucket drops:
// one JSON object per conversion, keyed by the idempotency key. An object
// that already exists means the conversion was delivered on an earlier
// attempt, which is reported as a deterministic skip.
type S3Feed struct {
	client *s3.Client
	bucket string
}

// NewS3Feed builds the adapter from config.
func NewS3Feed(ctx context.Context, cfg config.Config) (*S3Feed, error) {
	if cfg.FeedS3Bucket == "" {
		return nil, eris.New("feed s3 bucket is not configured")
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Feed{client: client, bucket: cfg.FeedS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.FeedS3Region),
	}
	if cfg.FeedS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.FeedS3Endpoint,
					HostnameImmutable: cfg.FeedS3PathStyle,
					SigningRegion:     cfg.FeedS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.FeedS3PathStyle
	}), nil
}

// feedRecord is the object body dropped into the bucket.
type feedRecord struct {
	ExternalRef string            `json:"external_ref"`
	SiteID      string            `json:"site_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	ClickIDs    map[string]string `json:"click_ids,omitempty"`
	Payload     map[string]any    `json:"payload,omitempty"`
}

// Upload drops the conversion into the feed bucket.
func (f *S3Feed) Upload(ctx context.Context, row models.QueueRow, idempotencyKey string) (Result, error) {
	key := FeedObjectKey(row, idempotencyKey)

	_, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return Permanent(models.CategoryDeterministicSkip, "FEED_OBJECT_EXISTS",
			"conversion already present in feed"), nil
	}
	var notFound *s3types.NotFound
	if !errors.As(err, &notFound) {
		return classifyAWS(err), nil
	}

	body, err := json.Marshal(feedRecord{
		ExternalRef: idempotencyKey,
		SiteID:      row.SiteID,
		OccurredAt:  row.OccurredAt.UTC(),
		Amount:      row.Amount,
		Currency:    row.Currency,
		ClickIDs:    row.ClickIDs,
		Payload:     row.Payload,
	})
	if err != nil {
		return Permanent(models.CategoryValidation, "FEED_MARSHAL", err.Error()), nil
	}

	_, err = f.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(f.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return classifyAWS(err), nil
	}
	return Success(), nil
}

// FeedObjectKey lays out feed objects by provider and occurrence date so
// downstream importers can sweep a day at a time.
func FeedObjectKey(row models.QueueRow, idempotencyKey string) string {
	return fmt.Sprintf("feeds/%s/%s/%s.json",
		row.ProviderKey, row.OccurredAt.UTC().Format("2006/01/02"), idempotencyKey)
}

// classifyAWS maps an S3 error onto the provider error taxonomy.
func classifyAWS(err error) Result {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 401 || code == 403:
			return Retryable(models.CategoryAuth, "FEED_AUTH", err.Error())
		case code == 400:
			return Permanent(models.CategoryValidation, "FEED_BAD_REQUEST", err.Error())
		case code == 429 || code >= 500:
			return Retryable(models.CategoryTransient, "FEED_UNAVAILABLE", err.Error())
		}
	}
	// Network-level failures have no HTTP status.
	return Retryable(models.CategoryTransient, "FEED_TRANSPORT", err.Error())
}
