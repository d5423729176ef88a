// Package media mirrors review thumbnails into stable storage before
// dispatch, so the downstream automation never depends on the original
// image host staying up.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"facebook-post-scheduler/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Preparer downloads, resizes, and re-hosts a review image, returning the
// mirrored URL.
type Preparer struct {
	cfg        config.Config
	httpClient *http.Client
	dest       uploader
}

// NewPreparer chooses S3 when a bucket is configured, a local directory
// otherwise.
func NewPreparer(ctx context.Context, cfg config.Config) (*Preparer, error) {
	timeout := cfg.ThumbnailTimeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}

	var dest uploader
	if cfg.ThumbnailS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dest = &s3Uploader{client: client, bucket: cfg.ThumbnailS3Bucket}
	} else {
		baseDir := cfg.ThumbnailOutputDir
		if baseDir == "" {
			baseDir = "./thumbnails"
		}
		dest = &localUploader{baseDir: baseDir}
	}

	return &Preparer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		dest:       dest,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ThumbnailS3Region),
	}
	if cfg.ThumbnailS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ThumbnailS3Endpoint,
					HostnameImmutable: cfg.ThumbnailS3PathStyle,
					SigningRegion:     cfg.ThumbnailS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ThumbnailS3PathStyle
	}), nil
}

// Prepare fetches the source image, scales it to the configured feed width,
// and uploads it keyed by the schedule id. Returns the mirrored location.
func (p *Preparer) Prepare(ctx context.Context, sourceURL, key string) (string, error) {
	data, err := p.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	width := p.cfg.ThumbnailWidth
	if width == 0 {
		width = 1200
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	outputKey := sanitizeKey(key) + ".jpg"
	location, err := p.dest.Upload(ctx, outputKey, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload thumbnail: %w", err)
	}
	return location, nil
}

func (p *Preparer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := p.cfg.ThumbnailMaxBytes
	if limit == 0 {
		limit = 10 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
