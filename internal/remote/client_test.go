package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"ferry/internal/logging"
	"ferry/internal/remote"
	"ferry/internal/testsupport"
)

func newClient(t *testing.T, serverURL string) *remote.Client {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Remote.BaseURL = serverURL
	cfg.Remote.APIToken = "secret"
	return remote.New(cfg, logging.NewNop())
}

func TestCreateTaskUploadsMultipart(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sourcePath := filepath.Join(testsupport.BaseDir(cfg), "input.mp4")
	testsupport.WriteFile(t, sourcePath, 128*1024)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if got := r.FormValue("display_name"); got != "Input" {
			t.Errorf("unexpected display name %q", got)
		}
		if r.FormValue("params") == "" {
			t.Error("expected params field")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		if header.Filename != "input.mp4" {
			t.Errorf("unexpected filename %q", header.Filename)
		}
		json.NewEncoder(w).Encode(remote.TaskInfo{ID: "srv-1", Status: "pending"})
	}))
	defer server.Close()

	client := newClient(t, server.URL)

	var lastSent, total int64
	info, err := client.CreateTask(context.Background(), remote.CreateTaskRequest{
		SourcePath:  sourcePath,
		DisplayName: "Input",
		Progress: func(sent, totalBytes int64) {
			lastSent = sent
			total = totalBytes
		},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if info.ID != "srv-1" {
		t.Fatalf("unexpected task id %q", info.ID)
	}
	if total != 128*1024 || lastSent != total {
		t.Fatalf("expected full upload reported, got %d/%d", lastSent, total)
	}
}

func TestCreateTaskRejectionIsNotRetryable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sourcePath := filepath.Join(testsupport.BaseDir(cfg), "input.mp4")
	testsupport.WriteFile(t, sourcePath, 1024)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported codec", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	_, err := client.CreateTask(context.Background(), remote.CreateTaskRequest{SourcePath: sourcePath})
	if !errors.Is(err, remote.ErrServerRejected) {
		t.Fatalf("expected server rejection, got %v", err)
	}
	if remote.Retryable(err) {
		t.Fatal("rejection must not be retryable")
	}
}

func TestServerErrorsAreRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	_, err := client.Task(context.Background(), "srv-1")
	if !errors.Is(err, remote.ErrNetwork) {
		t.Fatalf("expected network classification, got %v", err)
	}
	if !remote.Retryable(err) {
		t.Fatal("expected 5xx to be retryable")
	}
}

func TestCancelUnknownTaskReportsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	err := client.CancelTask(context.Background(), "srv-unknown")
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecentTasks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("unexpected limit %q", got)
		}
		json.NewEncoder(w).Encode([]remote.TaskInfo{
			{ID: "srv-1", Status: "completed", Progress: 100},
			{ID: "srv-2", Status: "converting", Progress: 40},
		})
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	tasks, err := client.RecentTasks(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentTasks: %v", err)
	}
	if len(tasks) != 2 || tasks[1].ID != "srv-2" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestDownloadResultWritesAtomically(t *testing.T) {
	payload := []byte("converted video bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/results/srv-1" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	destPath := filepath.Join(cfg.Paths.DownloadDir, "out.mp4")

	client := newClient(t, server.URL)
	// Relative download URLs resolve against the service base URL.
	err := client.DownloadResult(context.Background(), "/results/srv-1", destPath, nil)
	if err != nil {
		t.Fatalf("DownloadResult: %v", err)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("unexpected content %q", got)
	}
	if _, err := os.Stat(destPath + ".partial"); !os.IsNotExist(err) {
		t.Fatal("expected partial file to be gone")
	}
}

func TestDownloadResultFailureLeavesNoFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	destPath := filepath.Join(cfg.Paths.DownloadDir, "out.mp4")

	client := newClient(t, server.URL)
	err := client.DownloadResult(context.Background(), "/results/srv-1", destPath, nil)
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, statErr := os.Stat(destPath); !os.IsNotExist(statErr) {
		t.Fatal("expected no destination file after failure")
	}
}
