package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// snapshotCoordinator is the slice of *front.Coordinator the exporter
// needs; kept as an interface so dispatch doesn't import kv/front just
// to get a concrete type, and so tests can fake it.
type snapshotCoordinator interface {
	AllKeys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
}

// snapshotLine is one newline-delimited record in an export object.
type snapshotLine struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// SnapshotExporter periodically uploads a full-keyspace, newline-delimited
// JSON dump of every LWW-resolved key to S3. Disaster-recovery only: it
// never participates in the hot GET/PUT/CAS path and a failed export
// just logs and waits for the next tick.
type SnapshotExporter struct {
	coord  snapshotCoordinator
	bucket string
	log    *logrus.Entry
	s3     *s3.Client
}

// NewSnapshotExporter builds an exporter against the default AWS
// credential chain (env vars, shared config, instance profile), same
// resolution order as every other aws-sdk-go-v2 consumer.
func NewSnapshotExporter(coord snapshotCoordinator, bucket string, log *logrus.Entry) *SnapshotExporter {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.WithError(err).Warn("snapshot: loading aws config, exports will fail until retried")
	}
	return &SnapshotExporter{
		coord:  coord,
		bucket: bucket,
		log:    log,
		s3:     s3.NewFromConfig(cfg),
	}
}

// Run exports once per tick of every until ctx is cancelled.
func (e *SnapshotExporter) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.exportOnce(ctx); err != nil {
				var apiErr smithy.APIError
				if errors.As(err, &apiErr) {
					// A rejected upload (missing bucket, bad credentials)
					// won't heal by itself; log the service code so the
					// operator can tell it apart from a transient fault.
					e.log.WithField("code", apiErr.ErrorCode()).WithError(err).Warn("snapshot export rejected by object store")
				} else {
					e.log.WithError(err).Warn("snapshot export failed")
				}
			}
		}
	}
}

func (e *SnapshotExporter) exportOnce(ctx context.Context) error {
	keys, err := e.coord.AllKeys(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, k := range keys {
		val, found, err := e.coord.Get(ctx, k)
		if err != nil || !found {
			continue
		}
		if err := enc.Encode(snapshotLine{Key: k, Value: val}); err != nil {
			return err
		}
	}

	objectKey := "snapshots/" + time.Now().UTC().Format("2006/01/02/15-04-05") + "-" + uuid.NewString() + ".ndjson"
	_, err = e.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return err
	}
	e.log.WithField("keys", len(keys)).WithField("object", objectKey).Info("snapshot exported")
	return nil
}
