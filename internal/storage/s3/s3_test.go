package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "github.com/trusted360/audit-engine/internal/config"
	"github.com/trusted360/audit-engine/internal/storage"
)

func TestNew_MissingBucket(t *testing.T) {
	if _, err := New(&appconfig.S3StorageConfig{Region: "us-east-1"}); err == nil {
		t.Error("New() = nil error, want error for missing bucket")
	}
}

func TestNew_MissingRegion(t *testing.T) {
	if _, err := New(&appconfig.S3StorageConfig{Bucket: "reports"}); err == nil {
		t.Error("New() = nil error, want error for missing region")
	}
}

func TestNew_StaticAuth_MissingKeys(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{Bucket: "reports", Region: "us-east-1", AuthMethod: "static"}
	if _, err := New(cfg); err == nil {
		t.Error("New() = nil error, want error for static auth with missing keys")
	}
}

func TestNew_UnsupportedAuthMethod(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{Bucket: "reports", Region: "us-east-1", AuthMethod: "oidc"}
	if _, err := New(cfg); err == nil {
		t.Error("New() = nil error, want error for unsupported auth method")
	}
}

func TestNew_AssumeRole_MissingRoleARN(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{Bucket: "reports", Region: "us-east-1", AuthMethod: "assume_role"}
	if _, err := New(cfg); err == nil {
		t.Error("New() = nil error, want error for assume_role without role_arn")
	}
}

type s3MockStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

// newS3TestStorage points the backend at a path-style S3 stand-in that keeps
// objects in memory.
func newS3TestStorage(t *testing.T) (*S3Storage, *s3MockStore) {
	t.Helper()

	ms := &s3MockStore{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
	const bucket = "report-archive"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		idx := strings.IndexByte(path, '/')
		if idx < 0 {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		key := path[idx+1:]

		ms.mu.Lock()
		defer ms.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for hk, hv := range r.Header {
				lk := strings.ToLower(hk)
				if strings.HasPrefix(lk, "x-amz-meta-") && len(hv) > 0 {
					meta[strings.TrimPrefix(lk, "x-amz-meta-")] = hv[0]
				}
			}
			ms.objects[key] = data
			ms.meta[key] = meta
			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := ms.objects[key]
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
		case http.MethodHead:
			data, ok := ms.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			delete(ms.objects, key)
			delete(ms.meta, key)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          bucket,
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s, ms
}

func TestS3_UploadStoresChecksum(t *testing.T) {
	s, ms := newS3TestStorage(t)
	key := storage.ReportArchivePath("reports", "tenant-1", "rep-1")

	data := []byte("occurred_at,category\n")
	result, err := s.Upload(context.Background(), key, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if result.Size != int64(len(data)) || len(result.Checksum) != 64 {
		t.Errorf("Upload() = %+v", result)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !bytes.Equal(ms.objects[key], data) {
		t.Errorf("stored object = %q, want %q", ms.objects[key], data)
	}
	if ms.meta[key]["sha256"] != result.Checksum {
		t.Errorf("sha256 metadata = %q, want %q", ms.meta[key]["sha256"], result.Checksum)
	}
}

func TestS3_Download(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "reports/t/r.csv", strings.NewReader("a,b\n"), 4); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	rc, err := s.Download(ctx, "reports/t/r.csv")
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "a,b\n" {
		t.Errorf("Download() = %q", got)
	}
}

func TestS3_Download_NotFound(t *testing.T) {
	s, _ := newS3TestStorage(t)
	_, err := s.Download(context.Background(), "reports/t/missing.csv")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Download() error = %v, want ErrNotFound", err)
	}
}

func TestS3_ExistsAndDelete(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "reports/t/r.csv")
	if err != nil || ok {
		t.Fatalf("Exists() before upload = %v, %v", ok, err)
	}
	if _, err := s.Upload(ctx, "reports/t/r.csv", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ok, _ := s.Exists(ctx, "reports/t/r.csv"); !ok {
		t.Fatal("Exists() after upload = false")
	}
	if err := s.Delete(ctx, "reports/t/r.csv"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, _ := s.Exists(ctx, "reports/t/r.csv"); ok {
		t.Error("Exists() after delete = true")
	}
}

func TestS3_GetURL(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	if _, err := s.GetURL(ctx, "reports/t/missing.csv", time.Hour); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetURL() on missing object error = %v, want ErrNotFound", err)
	}

	if _, err := s.Upload(ctx, "reports/t/r.csv", strings.NewReader("content"), 7); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	url, err := s.GetURL(ctx, "reports/t/r.csv", time.Hour)
	if err != nil {
		t.Fatalf("GetURL() error: %v", err)
	}
	if !strings.Contains(url, "X-Amz-Signature") {
		t.Errorf("GetURL() = %q, want a presigned URL", url)
	}
}
