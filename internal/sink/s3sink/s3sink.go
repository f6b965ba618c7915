// Package s3sink archives record batches to S3 as gzipped JSON lines, one
// object per batch, partitioned by UTC date and hour for Athena-style queries.
package s3sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/xerrors"
)

// PutObjectAPI is the slice of the S3 client the writer needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Options struct {
	Bucket string
	Prefix string
	Client PutObjectAPI
	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

type Writer struct {
	bucket string
	prefix string
	client PutObjectAPI
	now    func() time.Time
	newID  func() string
}

func New(opts Options) (*Writer, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("s3 sink: bucket is required")
	}
	if opts.Client == nil {
		return nil, xerrors.New("s3 sink: client is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Writer{
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		client: opts.Client,
		now:    opts.Now,
		newID:  opts.NewID,
	}, nil
}

func (w *Writer) Name() string { return "s3" }

// Key returns the object key for a batch written at t.
func (w *Writer) Key(t time.Time) string {
	t = t.UTC()
	name := fmt.Sprintf("%d-%s.jsonl.gz", t.UnixMilli(), w.newID())
	return path.Join(w.prefix, "dt="+t.Format("2006-01-02"), "hour="+t.Format("15"), name)
}

func (w *Writer) WriteBatch(ctx context.Context, recs []event.Record) error {
	if len(recs) == 0 {
		return nil
	}
	body, err := encode(recs)
	if err != nil {
		return err
	}
	key := w.Key(w.now())
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(w.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"records": strconv.Itoa(len(recs)),
			"sha256":  cryptoutil.SHA256Hex(body),
		},
	})
	if err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", w.bucket, key)
	}
	return nil
}

func encode(recs []event.Record) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for i := range recs {
		if err := enc.Encode(&recs[i]); err != nil {
			return nil, xerrors.Wrap(err, "encode record")
		}
	}
	if err := zw.Close(); err != nil {
		return nil, xerrors.Wrap(err, "gzip batch")
	}
	return buf.Bytes(), nil
}
