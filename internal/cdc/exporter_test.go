package cdc

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	pending   []Record
	flushed   []Record
	flushedAt int64
	err       error
}

func (f *fakeSource) Pending(_ context.Context, limit int) ([]Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := min(limit, len(f.pending))
	return append([]Record(nil), f.pending[:n]...), nil
}

func (f *fakeSource) MarkFlushed(_ context.Context, records []Record, flushedAt int64) (int64, error) {
	f.flushed = append(f.flushed, records...)
	f.flushedAt = flushedAt
	f.pending = f.pending[len(records):]
	return int64(len(records)), nil
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(_ context.Context, records []Record) ([]byte, error) {
	return []byte{byte(len(records))}, nil
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func records(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{EntityType: "Customer", EntityKey: "k", Operation: "Added", ChangedAt: int64(i)}
	}
	return out
}

func TestExporterRunOnce(t *testing.T) {
	src := &fakeSource{pending: records(3)}
	client := &fakeS3{}
	e := NewExporter(src, fakeEncoder{}, client, Config{Bucket: "bucket", Prefix: "changes/prod", BatchSize: 10})
	e.nowFunc = func() time.Time { return time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC) }

	n, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, client.inputs, 1)
	assert.Equal(t, "bucket", aws.ToString(client.inputs[0].Bucket))
	assert.Regexp(t, `^changes/prod/2025/02/03/[0-9a-f-]{36}\.parquet$`, aws.ToString(client.inputs[0].Key))
	assert.Equal(t, []byte{3}, client.bodies[0])
	assert.Len(t, src.flushed, 3)
	assert.Equal(t, time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC).UnixMilli(), src.flushedAt)
}

func TestExporterLeavesRowsPendingWhenUploadFails(t *testing.T) {
	src := &fakeSource{pending: records(2)}
	e := NewExporter(src, fakeEncoder{}, &fakeS3{err: errors.New("access denied")}, Config{Bucket: "b"})

	_, err := e.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Empty(t, src.flushed)
	assert.Len(t, src.pending, 2)
}

func TestExporterDryRun(t *testing.T) {
	src := &fakeSource{pending: records(2)}
	client := &fakeS3{}
	e := NewExporter(src, fakeEncoder{}, client, Config{Bucket: "b", BatchSize: 1, DryRun: true})

	n, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, client.inputs, 1)
	assert.Empty(t, src.flushed)
}

func TestExporterDrain(t *testing.T) {
	src := &fakeSource{pending: records(5)}
	client := &fakeS3{}
	e := NewExporter(src, fakeEncoder{}, client, Config{Bucket: "b", BatchSize: 2})

	n, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, client.inputs, 3)
	assert.Empty(t, src.pending)
}

func TestExporterNothingPending(t *testing.T) {
	client := &fakeS3{}
	e := NewExporter(&fakeSource{}, fakeEncoder{}, client, Config{Bucket: "b"})

	n, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, client.inputs)
}
