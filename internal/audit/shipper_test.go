package audit_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trusted360/audit-engine/internal/audit"
	"github.com/trusted360/audit-engine/internal/config"
	"github.com/trusted360/audit-engine/internal/db/models"
)

func testEntry(action string) *models.AuditLogEntry {
	user := "user-7"
	return &models.AuditLogEntry{
		ID:       101,
		Category: "checklist",
		Action:   action,
		UserID:   &user,
		UserName: user,
		TenantID: "tenant-1",
		Entity:   models.Ref(models.EntityChecklist, "cl-1"),
	}
}

// ---------------------------------------------------------------------------
// MultiShipper
// ---------------------------------------------------------------------------

func TestNewMultiShipper_Empty(t *testing.T) {
	ms, err := audit.NewMultiShipper(nil)
	if err != nil {
		t.Fatalf("NewMultiShipper(nil) error: %v", err)
	}
	if ms.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ms.Len())
	}
	if err := ms.Ship(context.Background(), testEntry("completed")); err != nil {
		t.Errorf("Ship() on empty multi-shipper = %v, want nil", err)
	}
	if err := ms.Close(); err != nil {
		t.Errorf("Close() on empty multi-shipper = %v, want nil", err)
	}
}

func TestNewMultiShipper_DisabledConfigSkipped(t *testing.T) {
	cfgs := []config.AuditShipperConfig{
		{Enabled: false, Type: "webhook", Webhook: &config.AuditWebhookConfig{URL: "http://example.com"}},
	}
	ms, err := audit.NewMultiShipper(cfgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ms.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ms.Len())
	}
}

func TestNewMultiShipper_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AuditShipperConfig
	}{
		{"unknown type", config.AuditShipperConfig{Enabled: true, Type: "syslog"}},
		{"webhook without config", config.AuditShipperConfig{Enabled: true, Type: "webhook"}},
		{"file without config", config.AuditShipperConfig{Enabled: true, Type: "file"}},
		{"kafka without config", config.AuditShipperConfig{Enabled: true, Type: "kafka"}},
		{"kafka without brokers", config.AuditShipperConfig{Enabled: true, Type: "kafka", Kafka: &config.AuditKafkaConfig{Topic: "audit"}}},
		{"webhook without url", config.AuditShipperConfig{Enabled: true, Type: "webhook", Webhook: &config.AuditWebhookConfig{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := audit.NewMultiShipper([]config.AuditShipperConfig{tt.cfg}); err == nil {
				t.Error("NewMultiShipper() = nil error, want error")
			}
		})
	}
}

func TestMultiShipper_ContinuesAfterShipperError(t *testing.T) {
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv1.Close()

	var srv2Count int32
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&srv2Count, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv2.Close()

	cfgs := []config.AuditShipperConfig{
		{Enabled: true, Type: "webhook", Webhook: &config.AuditWebhookConfig{URL: srv1.URL, TimeoutSecs: 1}},
		{Enabled: true, Type: "webhook", Webhook: &config.AuditWebhookConfig{URL: srv2.URL, TimeoutSecs: 1}},
	}
	ms, err := audit.NewMultiShipper(cfgs)
	if err != nil {
		t.Fatalf("NewMultiShipper error: %v", err)
	}
	defer ms.Close()

	if err := ms.Ship(context.Background(), testEntry("completed")); err == nil {
		t.Error("Ship() = nil, want error from first shipper")
	}
	if got := atomic.LoadInt32(&srv2Count); got != 1 {
		t.Errorf("second shipper received %d calls, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// WebhookShipper
// ---------------------------------------------------------------------------

func TestWebhookShipper_ShipEntry(t *testing.T) {
	var received bytes.Buffer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		_, _ = received.ReadFrom(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL, TimeoutSecs: 5})
	if err != nil {
		t.Fatalf("NewWebhookShipper error: %v", err)
	}
	defer ws.Close()

	entry := testEntry("completed")
	if err := ws.Ship(context.Background(), entry); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}

	var decoded models.AuditLogEntry
	if err := json.Unmarshal(received.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if decoded.Action != entry.Action || decoded.TenantID != entry.TenantID {
		t.Errorf("decoded = %+v, want action %q tenant %q", decoded, entry.Action, entry.TenantID)
	}
	if decoded.Entity == nil || decoded.Entity.Kind != models.EntityChecklist {
		t.Errorf("Entity = %+v, want checklist ref", decoded.Entity)
	}
}

func TestWebhookShipper_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL, TimeoutSecs: 5})
	defer ws.Close()

	if err := ws.Ship(context.Background(), testEntry("completed")); err == nil {
		t.Error("Ship() = nil, want error for 500 response")
	}
}

func TestWebhookShipper_CustomHeader(t *testing.T) {
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.Header.Get("X-Siem-Token"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&config.AuditWebhookConfig{
		URL:         srv.URL,
		TimeoutSecs: 5,
		Headers:     map[string]string{"X-Siem-Token": "secret"},
	})
	defer ws.Close()

	_ = ws.Ship(context.Background(), testEntry("completed"))
	if got, _ := gotToken.Load().(string); got != "secret" {
		t.Errorf("X-Siem-Token = %q, want secret", got)
	}
}

func TestWebhookShipper_CloseTwice(t *testing.T) {
	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: "http://localhost:0", BatchSize: 10})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
	_ = ws.Close()
}

func TestWebhookShipper_BatchedShip(t *testing.T) {
	done := make(chan []models.AuditLogEntry, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []models.AuditLogEntry
		_ = json.NewDecoder(r.Body).Decode(&batch)
		w.WriteHeader(http.StatusOK)
		done <- batch
	}))
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{
		URL:           srv.URL,
		TimeoutSecs:   5,
		BatchSize:     1,
		FlushInterval: 5,
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper error: %v", err)
	}
	defer ws.Close()

	if err := ws.Ship(context.Background(), testEntry("batch-1")); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}

	select {
	case batch := <-done:
		if len(batch) != 1 || batch[0].Action != "batch-1" {
			t.Errorf("batch = %+v, want one batch-1 entry", batch)
		}
	case <-time.After(3 * time.Second):
		t.Error("timed out waiting for batch to be sent to server")
	}
}

func TestWebhookShipper_BatchFlushOnInterval(t *testing.T) {
	done := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&config.AuditWebhookConfig{
		URL:           srv.URL,
		TimeoutSecs:   5,
		BatchSize:     100,
		FlushInterval: 1,
	})
	defer ws.Close()

	_ = ws.Ship(context.Background(), testEntry("interval-flush"))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Error("timed out waiting for interval flush")
	}
}

func TestWebhookShipper_BatchFlushOnClose(t *testing.T) {
	done := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&config.AuditWebhookConfig{
		URL:           srv.URL,
		TimeoutSecs:   5,
		BatchSize:     100,
		FlushInterval: 60,
	})

	_ = ws.Ship(context.Background(), testEntry("flush-on-close"))
	_ = ws.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Error("timed out waiting for close-triggered flush")
	}
}

// ---------------------------------------------------------------------------
// FileShipper
// ---------------------------------------------------------------------------

func TestFileShipper_ShipEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	fs, err := audit.NewFileShipper(&config.AuditFileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileShipper error: %v", err)
	}
	entry := testEntry("completed")
	if err := fs.Ship(context.Background(), entry); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var decoded models.AuditLogEntry
	if err := json.Unmarshal(bytes.TrimRight(data, "\n"), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != entry.ID || decoded.UserName != entry.UserName {
		t.Errorf("decoded = %+v, want id %d user %q", decoded, entry.ID, entry.UserName)
	}
}

func TestFileShipper_MultipleEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multi.jsonl")

	fs, _ := audit.NewFileShipper(&config.AuditFileConfig{Path: path})
	for i := 0; i < 5; i++ {
		_ = fs.Ship(context.Background(), testEntry("completed"))
	}
	_ = fs.Close()

	data, _ := os.ReadFile(path)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	count := 0
	for scanner.Scan() {
		count++
	}
	if count != 5 {
		t.Errorf("file has %d lines, want 5", count)
	}
}

func TestNewFileShipper_InvalidPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodir", "audit.jsonl")
	if _, err := audit.NewFileShipper(&config.AuditFileConfig{Path: path}); err == nil {
		t.Error("expected error for path with nonexistent parent, got nil")
	}
}

func TestFileShipper_Rotate(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	if err := os.WriteFile(logPath, make([]byte, 1024*1024+1), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs, err := audit.NewFileShipper(&config.AuditFileConfig{Path: logPath, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	defer fs.Close()

	if err := fs.Ship(context.Background(), testEntry("after-rotate")); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file missing after rotation: %v", err)
	}
	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Errorf("backup .1 missing after rotation: %v", err)
	}
}
