package main

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/emit"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/health"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/sink/chsink"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/sink/pgsink"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/sink/s3sink"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/xerrors"
)

// durableSink is the optional batch writer behind the log emitter.
// All fields are nil for -sink=log.
type durableSink struct {
	emitter emit.Emitter
	ping    health.CheckFunc
	close   func(context.Context) error
}

func openSink(ctx context.Context, conf cfg.App, awsCfg aws.Config, m *metrics.ServerMetrics, L log.Logger) (durableSink, error) {
	noop := durableSink{close: func(context.Context) error { return nil }}

	var (
		w        emit.BatchWriter
		ping     health.CheckFunc
		closeCon func() error
	)

	switch conf.Sink {
	case cfg.SinkLog:
		return noop, nil

	case cfg.SinkS3:
		s3w, err := s3sink.New(s3sink.Options{
			Bucket: conf.S3Bucket,
			Prefix: conf.S3Prefix,
			Client: s3.NewFromConfig(awsCfg),
		})
		if err != nil {
			return noop, err
		}
		w = s3w

	case cfg.SinkClickHouse:
		chw, err := chsink.Open(ctx, conf.ClickHouseDSN)
		if err != nil {
			return noop, err
		}
		if conf.EnsureSchema {
			if err := chw.EnsureTable(ctx); err != nil {
				_ = chw.Close()
				return noop, err
			}
		}
		w, ping, closeCon = chw, chw.Ping, chw.Close

	case cfg.SinkPostgres:
		pgw, err := pgsink.Open(ctx, conf.PostgresDSN)
		if err != nil {
			return noop, err
		}
		if conf.EnsureSchema {
			if err := pgw.EnsureSchema(ctx); err != nil {
				pgw.Close()
				return noop, err
			}
		}
		w, ping = pgw, pgw.Ping
		closeCon = func() error { pgw.Close(); return nil }

	default:
		return noop, xerrors.Newf("unknown sink %q", conf.Sink)
	}

	b := emit.NewBatcher(w, emit.BatcherOptions{
		BatchSize:     conf.SinkBatchSize,
		BufferSize:    conf.SinkBufferSize,
		FlushInterval: conf.SinkFlushInterval,
		OnFlush: func(sink string, n int, took time.Duration, err error) {
			m.ObserveSinkFlush(sink, n, took, err)
		},
		OnDrop: m.IncSinkDropped,
	}, L)

	L.Info(ctx, "sink ready", "sink", w.Name(), "ensure_schema", conf.EnsureSchema)

	return durableSink{
		emitter: b,
		ping:    ping,
		close: func(ctx context.Context) error {
			// drain before closing the connection the batcher writes to
			err := b.Close(ctx)
			if closeCon != nil {
				if cerr := closeCon(); cerr != nil && err == nil {
					err = cerr
				}
			}
			return err
		},
	}, nil
}
