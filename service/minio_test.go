package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/config"
)

func TestNewMinioService(t *testing.T) {
	cfg := &config.MinioConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "test",
		SecretKey: "test",
		Bucket:    "test",
		UseSSL:    false,
	}

	svc, err := NewMinioService(cfg)
	if err != nil {
		t.Fatalf("NewMinioService failed: %v", err)
	}
	if svc == nil {
		t.Error("Expected non-nil service")
	}
}

func TestMinioServicePresignedURL(t *testing.T) {
	// With a fixed region the URL is signed locally, no request is made.
	svc, err := NewMinioService(&config.MinioConfig{
		Endpoint:   "minio.example.com",
		AccessKey:  "access",
		SecretKey:  "secret",
		Bucket:     "contracts",
		UseSSL:     true,
		Region:     "us-east-1",
		ExpireDays: 1,
	})
	if err != nil {
		t.Fatalf("NewMinioService failed: %v", err)
	}

	url, err := svc.PresignedURL(context.Background(), "alice/task-1/contract.pdf")
	if err != nil {
		t.Fatalf("PresignedURL failed: %v", err)
	}
	if !strings.HasPrefix(url, "https://minio.example.com/contracts/alice/task-1/contract.pdf?") {
		t.Errorf("Unexpected URL prefix: %s", url)
	}
	if !strings.Contains(url, "X-Amz-Signature=") {
		t.Errorf("Expected signed URL, got %s", url)
	}
	if !strings.Contains(url, "X-Amz-Expires=86400") {
		t.Errorf("Expected one day expiry, got %s", url)
	}
}

func TestMinioServicePut(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		path, body = r.URL.Path, string(data)
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, err := NewMinioService(&config.MinioConfig{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "contracts",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("NewMinioService failed: %v", err)
	}

	content := "合同正文"
	if err := svc.Put(context.Background(), "alice/t1/a.txt", strings.NewReader(content), int64(len(content)), "text/plain"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/contracts/alice/t1/a.txt" {
		t.Errorf("Expected path /contracts/alice/t1/a.txt, got %s", path)
	}
	if !strings.Contains(body, content) {
		t.Errorf("Expected body to carry content, got %q", body)
	}
}

func TestLocalObjectStore(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalObjectStore failed: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "alice/t1/c.txt", strings.NewReader("hello"), 5, "text/plain"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	rc, err := store.Get(ctx, "alice/t1/c.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Errorf("Expected 'hello', got %q", data)
	}

	if _, err := store.PresignedURL(ctx, "alice/t1/c.txt"); !errors.Is(err, ErrPresignUnsupported) {
		t.Errorf("Expected ErrPresignUnsupported, got %v", err)
	}

	if err := store.Delete(ctx, "alice/t1/c.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "alice/t1/c.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "alice/t1/c.txt"); err != nil {
		t.Errorf("Expected deleting a missing object to succeed, got %v", err)
	}
}

func TestLocalObjectStoreRejectsTraversal(t *testing.T) {
	store, _ := NewLocalObjectStore(t.TempDir())
	err := store.Put(context.Background(), "../escape.txt", strings.NewReader("x"), 1, "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestLocalObjectStoreList(t *testing.T) {
	store, _ := NewLocalObjectStore(t.TempDir())
	ctx := context.Background()
	for _, key := range []string{"reports/t1/report.txt", "reports/t1/report.md", "reports/t2/report.txt", "alice/t1/c.txt"} {
		if err := store.Put(ctx, key, strings.NewReader("x"), 1, ""); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "reports/t1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"reports/t1/report.md", "reports/t1/report.txt"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, keys)
	}
	if keys, _ := store.List(ctx, "reports/none/"); len(keys) != 0 {
		t.Errorf("Expected no keys, got %v", keys)
	}
}

func TestMinioServiceListAndDelete(t *testing.T) {
	var (
		mu      sync.Mutex
		deleted []string
		prefix  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			prefix = r.URL.Query().Get("prefix")
			w.Header().Set("Content-Type", "application/xml")
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>contracts</Name><Prefix>reports/t1/</Prefix><KeyCount>2</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>
<Contents><Key>reports/t1/report.md</Key><Size>10</Size></Contents>
<Contents><Key>reports/t1/report.txt</Key><Size>12</Size></Contents>
</ListBucketResult>`))
		case http.MethodDelete:
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer server.Close()

	svc, err := NewMinioService(&config.MinioConfig{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "contracts",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("NewMinioService failed: %v", err)
	}
	ctx := context.Background()

	keys, err := svc.List(ctx, "reports/t1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if strings.Join(keys, ",") != "reports/t1/report.md,reports/t1/report.txt" {
		t.Errorf("Unexpected keys %v", keys)
	}
	if err := svc.Delete(ctx, keys[0]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if prefix != "reports/t1/" {
		t.Errorf("Expected prefix reports/t1/, got %q", prefix)
	}
	if len(deleted) != 1 || deleted[0] != "/contracts/reports/t1/report.md" {
		t.Errorf("Unexpected deletes %v", deleted)
	}
}
