package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (p *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if p.err != nil {
		return nil, p.err
	}
	body, _ := io.ReadAll(in.Body)
	p.inputs = append(p.inputs, in)
	p.bodies = append(p.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func testRecord() Record {
	return Record{
		ExecutionID:    uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		RuleInstanceID: "failed-logins",
		RuleTypeID:     "threshold",
		StartedAt:      time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC),
		Status:         StatusSucceeded,
		AlertsCreated:  3,
	}
}

func TestS3WriterWrite(t *testing.T) {
	p := &fakePutter{}
	w := &S3Writer{client: p, bucket: "archive", prefix: "executions", logger: slog.Default()}

	if err := w.Write(context.Background(), testRecord()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(p.inputs) != 1 {
		t.Fatalf("PutObject called %d times", len(p.inputs))
	}

	in := p.inputs[0]
	wantKey := "executions/failed-logins/2026/03/09/11111111-2222-3333-4444-555555555555.json"
	if aws.ToString(in.Key) != wantKey {
		t.Errorf("key = %s, want %s", aws.ToString(in.Key), wantKey)
	}
	if aws.ToString(in.Bucket) != "archive" {
		t.Errorf("bucket = %s", aws.ToString(in.Bucket))
	}

	var decoded Record
	if err := json.Unmarshal(p.bodies[0], &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if decoded.AlertsCreated != 3 || decoded.RuleTypeID != "threshold" {
		t.Errorf("decoded = %+v", decoded)
	}

	p.err = errors.New("access denied")
	if err := w.Write(context.Background(), testRecord()); err == nil {
		t.Error("expected upload error")
	}
}

func TestS3ConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr bool
	}{
		{"valid", S3Config{Region: "us-east-1", Bucket: "b"}, false},
		{"missing region", S3Config{Bucket: "b"}, true},
		{"missing bucket", S3Config{Region: "us-east-1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, Record) error { return errors.New("unavailable") }

func TestMultiWriter(t *testing.T) {
	mem := &MemoryWriter{}
	m := MultiWriter{failingWriter{}, mem}

	err := m.Write(context.Background(), testRecord())
	if err == nil {
		t.Error("expected joined error")
	}
	if len(mem.Records()) != 1 {
		t.Error("later writers should still receive the record")
	}
}

func TestMemoryWriterLatest(t *testing.T) {
	mem := &MemoryWriter{}
	first := testRecord()
	second := testRecord()
	second.Status = StatusFailed
	_ = mem.Write(context.Background(), first)
	_ = mem.Write(context.Background(), second)

	got, ok := mem.Latest("failed-logins")
	if !ok || got.Status != StatusFailed {
		t.Errorf("Latest() = %+v, %v", got, ok)
	}
	if _, ok := mem.Latest("other"); ok {
		t.Error("Latest() found record for unknown rule")
	}
}

func TestSlogWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewSlogWriter(slog.New(slog.NewTextHandler(&buf, nil)))

	rec := testRecord()
	rec.Status = StatusFailed
	rec.ErrorKind = "timeout"
	if err := w.Write(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "error_kind=timeout") {
		t.Errorf("unexpected log output %q", out)
	}
}
