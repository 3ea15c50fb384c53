package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/accounts/pkg/observability"
)

// archiveCheckpoint names the archive position in the checkpoint table
const archiveCheckpoint = "s3-archive"

// DefaultSettleWindow is how old an entry must be before it is exported.
// Ids are assigned before commit, so a young entry may still have a lower
// id in flight behind it.
const DefaultSettleWindow = time.Minute

// ArchiveConfig describes the object storage target for audit exports
type ArchiveConfig struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	BatchSize    int    `yaml:"batch_size"`
	Schedule     string `yaml:"schedule"`

	// SettleWindow bounds how long an insert may take to commit
	SettleWindow time.Duration `yaml:"settle_window"`
}

// Enabled reports whether an archive bucket is configured
func (c ArchiveConfig) Enabled() bool {
	return c.Bucket != ""
}

// ObjectPutter is the subset of the S3 client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from cfg. Static keys are used when set,
// otherwise the default credential chain.
func NewS3Client(ctx context.Context, cfg ArchiveConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Archiver exports new audit entries to object storage as NDJSON batches
// and advances a checkpoint after each uploaded batch.
type Archiver struct {
	store     Store
	client    ObjectPutter
	bucket    string
	prefix    string
	batchSize int
	settle    time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewArchiver creates an Archiver
func NewArchiver(store Store, client ObjectPutter, cfg ArchiveConfig, logger *observability.Logger, metrics *observability.Metrics) *Archiver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "audit"
	}
	settle := cfg.SettleWindow
	if settle <= 0 {
		settle = DefaultSettleWindow
	}
	return &Archiver{
		store:     store,
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    prefix,
		batchSize: batch,
		settle:    settle,
		logger:    logger.WithComponent("audit-archive"),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Run exports every settled entry past the checkpoint and returns how many
// were written. Export stops at the first entry younger than the settle
// window so the checkpoint never passes an id that may still commit. A
// failed upload leaves the checkpoint at the last good batch.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	after, err := a.store.GetCheckpoint(ctx, archiveCheckpoint)
	if err != nil {
		return 0, err
	}
	cutoff := a.now().Add(-a.settle)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		entries, err := a.store.ListAfter(ctx, after, a.batchSize)
		if err != nil {
			return total, err
		}
		settled := settledPrefix(entries, cutoff)
		if len(settled) == 0 {
			break
		}

		first, last := settled[0], settled[len(settled)-1]
		if err := a.upload(ctx, a.objectKey(first, last), settled); err != nil {
			return total, err
		}
		if err := a.store.SetCheckpoint(ctx, archiveCheckpoint, last.ID); err != nil {
			return total, err
		}
		after = last.ID
		total += len(settled)
		a.metrics.AuditArchivedTotal.Add(float64(len(settled)))

		if len(settled) < a.batchSize {
			break
		}
	}

	if total > 0 {
		a.logger.WithFields(map[string]interface{}{"entries": total, "last_id": after}).Info("archived audit entries")
	}
	return total, nil
}

// settledPrefix returns entries up to, not including, the first one
// recorded after cutoff
func settledPrefix(entries []*Entry, cutoff time.Time) []*Entry {
	for i, e := range entries {
		if e.Timestamp.After(cutoff) {
			return entries[:i]
		}
	}
	return entries
}

func (a *Archiver) objectKey(first, last *Entry) string {
	return fmt.Sprintf("%s/%s/%020d-%020d.ndjson", a.prefix, first.Timestamp.UTC().Format("2006/01/02"), first.ID, last.ID)
}

func (a *Archiver) upload(ctx context.Context, key string, entries []*Entry) error {
	ctx, span := observability.Tracer().Start(ctx, "S3.PutObject",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
			attribute.Int("audit.entries", len(entries)),
		),
	)
	defer span.End()

	body, err := encodeNDJSON(entries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode entries")
		return err
	}
	sum := sha256.Sum256(body)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return fmt.Errorf("failed to upload to s3: %w", err)
	}
	span.SetStatus(codes.Ok, "archived")
	return nil
}

func encodeNDJSON(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("failed to encode entry %d: %w", e.ID, err)
		}
	}
	return buf.Bytes(), nil
}
