// Package archive keeps a durable copy of the audit stream in an S3-compatible
// bucket (AWS S3 or MinIO). Each event is stored as one JSON object under
// <prefix>/<kind>/<key>/, named so that a listing returns a record's history
// in the order it happened.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gartstein/avenue/internal/lab/events"
	"github.com/gartstein/avenue/internal/lab/models"
	"go.uber.org/zap"
)

const objectTime = "20060102T150405.000000Z"

type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional; set for MinIO and other S3-compatible stores
	Prefix          string
	PathStyle       bool
	AccessKeyID     string // optional; default credentials chain otherwise
	SecretAccessKey string
}

type Archive struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New builds an archive client. It does not contact the bucket.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return newArchive(awsCfg, cfg, logger), nil
}

func newArchive(awsCfg aws.Config, cfg Config, logger *zap.Logger, optFns ...func(*s3.Options)) *Archive {
	client := s3.NewFromConfig(awsCfg, append([]func(*s3.Options){func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	}}, optFns...)...)
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.Named("archive"),
	}
}

func (a *Archive) recordPrefix(kind models.Kind, key models.Key) string {
	p := string(kind) + "/" + url.PathEscape(string(key)) + "/"
	if a.prefix != "" {
		p = a.prefix + "/" + p
	}
	return p
}

// ObjectKey returns where ev is stored.
func (a *Archive) ObjectKey(ev events.Event) string {
	return a.recordPrefix(ev.Kind, ev.Key) + ev.OccurredAt.UTC().Format(objectTime) + "-" + ev.ID.String() + ".json"
}

// Store writes ev. Its signature matches events.Consumer handlers, so a
// message is only committed once it is archived.
func (a *Archive) Store(ctx context.Context, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	key := a.ObjectKey(ev)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-type": string(ev.Type),
			"actor":      string(ev.Actor),
		},
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", key, err)
	}
	a.logger.Debug("event archived", zap.String("object", key))
	return nil
}

// History returns the archived events of one record, oldest first.
func (a *Archive) History(ctx context.Context, kind models.Kind, key models.Key) ([]events.Event, error) {
	prefix := a.recordPrefix(kind, key)
	var objects []string
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Strings(objects)

	history := make([]events.Event, 0, len(objects))
	for _, object := range objects {
		ev, err := a.fetch(ctx, object)
		if err != nil {
			return nil, err
		}
		history = append(history, ev)
	}
	return history, nil
}

func (a *Archive) fetch(ctx context.Context, object string) (events.Event, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(object)})
	if err != nil {
		return events.Event{}, fmt.Errorf("reading %s: %w", object, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return events.Event{}, fmt.Errorf("reading %s: %w", object, err)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return events.Event{}, fmt.Errorf("decoding %s: %w", object, err)
	}
	return ev, nil
}
