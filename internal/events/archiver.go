package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/config"
)

// ObjectPutter is the part of the S3 client the Archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client creates an S3 client for an S3-compatible endpoint (MinIO
// included)
func NewS3Client(cfg config.ArchiveConfig) *s3.Client {
	endpointURL := cfg.Endpoint
	if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
		protocol := "http"
		if cfg.UseSSL {
			protocol = "https"
		}
		endpointURL = protocol + "://" + endpointURL
	}

	return s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		BaseEndpoint: aws.String(endpointURL),
		UsePathStyle: true,
	})
}

// Archiver uploads the events logged since its previous run as a JSON-lines
// object
type Archiver struct {
	log    *Log
	client ObjectPutter
	bucket string
	prefix string
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	cursor uint64
}

// NewArchiver creates an Archiver
func NewArchiver(log *Log, client ObjectPutter, bucket, prefix string, clk clock.Clock, logger *slog.Logger) *Archiver {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archiver{log: log, client: client, bucket: bucket, prefix: prefix, clock: clk, logger: logger}
}

// Run uploads pending events and returns how many were archived. The cursor
// only advances after a successful upload, so a failed run is retried in
// full next time.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending := a.log.After(a.cursor)
	if len(pending) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range pending {
		if err := enc.Encode(e); err != nil {
			return 0, fmt.Errorf("encode event %s: %w", e.ID, err)
		}
	}

	first, last := pending[0].Seq, pending[len(pending)-1].Seq
	key := fmt.Sprintf("%s%s/%020d-%020d.jsonl", a.prefix, a.clock.Now().Format("2006/01/02"), first, last)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}

	a.cursor = last
	a.logger.Info("security events archived",
		slog.String("key", key),
		slog.Int("count", len(pending)),
	)
	return len(pending), nil
}

// Cursor returns the sequence number of the last archived event
func (a *Archiver) Cursor() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}
