package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/utils"
)

type S3Config struct {
	// Region pins every bucket to one region. Empty means look each bucket up.
	Region string
	// Endpoint targets S3 compatible stores such as minio.
	Endpoint       string
	ForcePathStyle bool
}

// S3Origin fetches s3://bucket/key URLs with ranged GetObject calls. Credentials come from the
// default AWS chain; request headers are not forwarded.
type S3Origin struct {
	Session *session.Session
	cfg     S3Config

	mu      sync.Mutex
	clients map[string]*s3.S3
}

func NewS3Origin(cfg S3Config) (*S3Origin, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg := &aws.Config{Region: aws.String(region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(cfg.ForcePathStyle)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return &S3Origin{Session: sess, cfg: cfg, clients: make(map[string]*s3.S3)}, nil
}

func parseS3URL(rawURL string) (string, string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if parsedURL.Scheme != "s3" || parsedURL.Host == "" {
		//goland:noinspection GoErrorStringFormat
		return "", "", errors.New("S3 url should be in the format of s3://bucket/key")
	}
	key := strings.TrimPrefix(parsedURL.Path, "/")
	if key == "" {
		return "", "", errors.New("S3 url is missing an object key")
	}
	return parsedURL.Host, key, nil
}

// client returns an S3 client in the region of bucket.
func (o *S3Origin) client(ctx context.Context, bucket string) (*s3.S3, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if client, ok := o.clients[bucket]; ok {
		return client, nil
	}

	var client *s3.S3
	if o.cfg.Region != "" || o.cfg.Endpoint != "" {
		client = s3.New(o.Session)
	} else {
		region, err := s3manager.GetBucketRegion(ctx, o.Session, bucket, "us-east-1")
		if err != nil {
			return nil, err
		}
		log.Debug().Str("bucket", bucket).Str("region", region).Msg("Resolved bucket region")
		client = s3.New(o.Session, &aws.Config{Region: aws.String(region)})
	}
	o.clients[bucket] = client
	return client, nil
}

func (o *S3Origin) Open(ctx context.Context, req Request) (*Response, error) {
	bucket, key, err := parseS3URL(req.URL)
	if err != nil {
		return nil, err
	}
	client, err := o.client(ctx, bucket)
	if err != nil {
		return nil, s3Error(err, req.URL)
	}

	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader(req)),
	})
	if err != nil {
		return nil, s3Error(err, req.URL)
	}

	resp := &Response{
		Body:        out.Body,
		Offset:      0,
		Total:       -1,
		ContentType: aws.StringValue(out.ContentType),
	}
	if out.ContentRange != nil {
		cr, err := utils.ParseContentRange(*out.ContentRange)
		if err != nil || cr.Start < 0 {
			_ = out.Body.Close()
			return nil, fmt.Errorf("%w: bad Content-Range %q", e.ErrInconsistentResource, *out.ContentRange)
		}
		resp.Offset = cr.Start
		resp.Total = cr.Size
	} else if out.ContentLength != nil {
		resp.Total = *out.ContentLength
	}
	return resp, nil
}

func s3Error(err error, rawURL string) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() >= 400 {
		return &e.HTTPError{StatusCode: reqErr.StatusCode(), URL: rawURL}
	}
	return err
}
