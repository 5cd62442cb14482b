package worker

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
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"

	"content-pipeline-engine/internal/config"
	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/store"
)

type assetUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// AssetHandler renders cover-image variants for an article: the social/OG
// sizes a CMS expects. Variants land in S3 when a bucket is configured,
// otherwise in a local output directory.
type AssetHandler struct {
	cfg        config.Config
	store      store.Store
	httpClient *http.Client
	local      assetUploader
	s3         assetUploader
	widths     []int
}

// NewAssetHandler constructs the handler and chooses an uploader.
func NewAssetHandler(ctx context.Context, cfg config.Config, st store.Store) (*AssetHandler, error) {
	widths := make([]int, 0, len(cfg.AssetWidths))
	for _, w := range cfg.AssetWidths {
		n, err := strconv.Atoi(w)
		if err != nil || n <= 0 {
			return nil, errors.Newf("invalid asset width %q", w)
		}
		widths = append(widths, n)
	}
	if len(widths) == 0 {
		widths = []int{1200}
	}

	var s3Upload assetUploader
	if cfg.AssetS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.AssetS3Bucket}
	}

	baseDir := cfg.AssetOutputDir
	if baseDir == "" {
		baseDir = "./assets"
	}

	return &AssetHandler{
		cfg:        cfg,
		store:      st,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
		widths:     widths,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AssetS3Region),
	}
	if cfg.AssetS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.AssetS3Endpoint,
					HostnameImmutable: cfg.AssetS3PathStyle,
					SigningRegion:     cfg.AssetS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AssetS3PathStyle
	}), nil
}

// Handle downloads an article's cover image and uploads one resized variant
// per configured width.
func (h *AssetHandler) Handle(ctx context.Context, job models.Job) error {
	articleID, _ := job.Payload["article_id"].(string)
	if articleID == "" {
		return errors.New("article_id is required")
	}
	article, err := h.store.GetArticle(ctx, articleID)
	if err != nil {
		return errors.Wrapf(err, "load article %s", articleID)
	}
	if article.CoverImage == "" {
		// Nothing to render; not a failure.
		return nil
	}

	data, contentType, err := h.download(ctx, article.CoverImage)
	if err != nil {
		return err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "decode cover image")
	}

	uploader := h.local
	if h.s3 != nil {
		uploader = h.s3
	}
	outputFormat := chooseFormat(article.CoverImage, contentType)
	for _, width := range h.widths {
		variant := imaging.Resize(src, width, 0, imaging.Lanczos)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, variant, outputFormat, imaging.JPEGQuality(85)); err != nil {
			return errors.Wrapf(err, "encode %dpx variant", width)
		}
		key := sanitizeKey(fmt.Sprintf("%s/%s-%d.%s", article.ProjectID, article.ID, width, formatExtension(outputFormat)))
		if _, err := uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat)); err != nil {
			return errors.Wrapf(err, "upload %dpx variant", width)
		}
	}
	return nil
}

func (h *AssetHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build request")
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "download cover image")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", errors.Newf("download cover image: status %d", resp.StatusCode)
	}

	limit := h.cfg.AssetMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", errors.Wrap(err, "read cover image")
	}
	if int64(len(body)) > limit {
		return nil, "", errors.Newf("cover image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func chooseFormat(sourceURL, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(sourceURL)) {
	case ".png":
		return imaging.PNG
	case ".gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = strings.TrimLeft(key, "/")
	return strings.ReplaceAll(key, "..", "")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "create dirs")
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", errors.Wrap(err, "write file")
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
		return "", errors.Wrap(err, "put object")
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
