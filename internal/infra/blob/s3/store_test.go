package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"prwpanel/internal/blob/core"
)

func TestMockStorePutGetHead(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if store.Driver() != core.DriverS3 {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
	payload := []byte("binary\r\n0\r\npayload\x00\xff")
	info, err := store.Put(ctx, "prw.sqlite3.enc", bytes.NewReader(payload), core.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"prw-encrypted": "true", "prw-run": "abc"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("unexpected size %d", info.Size)
	}
	if info.Metadata["prw-encrypted"] != "true" || info.Metadata["prw-run"] != "abc" {
		t.Fatalf("metadata not round tripped: %+v", info.Metadata)
	}
	got, rc, err := store.Get(ctx, "prw.sqlite3.enc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(body, payload) {
		t.Fatalf("body mismatch: %q", body)
	}
	if got.ContentType != "application/octet-stream" {
		t.Fatalf("unexpected content type %q", got.ContentType)
	}

	if _, err := store.Put(ctx, "prw.sqlite3.enc", bytes.NewReader([]byte("v2")), core.PutOptions{}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	head, err := store.Head(ctx, "prw.sqlite3.enc")
	if err != nil || head.Size != 2 {
		t.Fatalf("expected overwritten object, got %+v (%v)", head, err)
	}
}

func TestMockStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
	store, err := New(context.Background(), Config{Bucket: "panel", Endpoint: "https://acct.r2.cloudflarestorage.com", AccessKeyID: "id", SecretAccessKey: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.bucket != "panel" {
		t.Fatalf("unexpected bucket %q", store.bucket)
	}
}

func TestDecodeChunked(t *testing.T) {
	in := []byte("5\r\nhello\r\n3;chunk-signature=abc\r\n\r\n!\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n")
	out, ok := decodeChunked(in)
	if !ok || string(out) != "hello\r\n!" {
		t.Fatalf("unexpected decode %q %v", out, ok)
	}
	if _, ok := decodeChunked([]byte("zz\r\nnope")); ok {
		t.Fatalf("expected malformed payload to be rejected")
	}
}
