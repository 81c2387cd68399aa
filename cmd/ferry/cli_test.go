package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ferry/internal/task"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	return writeTestConfigWithRemote(t, "https://convert.example.com")
}

func writeTestConfigWithRemote(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
[paths]
state_dir = %q
download_dir = %q
log_dir = %q

[remote]
base_url = %q
api_token = "secret-token"
`,
		filepath.Join(dir, "state"),
		filepath.Join(dir, "downloads"),
		filepath.Join(dir, "logs"),
		baseURL,
	)
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func requireContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Fatalf("expected output to contain %q, got:\n%s", want, output)
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatal("expected error without --overwrite")
	}
	if _, err := runCLI(t, "", "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestConfigValidateAndShow(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := runCLI(t, configPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	out, err = runCLI(t, configPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "convert.example.com")
	requireContains(t, out, "<redacted>")
	if strings.Contains(out, "secret-token") {
		t.Fatal("expected api token to be redacted")
	}
}

func TestStatusWithNoTasks(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := runCLI(t, configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "No tasks")
}

func TestStatusRemoteListsServiceTasks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		fmt.Fprint(w, `[
			{"id":"srv-12345678","status":"converting","progress":40},
			{"id":"srv-9","status":"failed","progress":0,"error_message":"codec error"}
		]`)
	}))
	defer server.Close()

	configPath := writeTestConfigWithRemote(t, server.URL)
	out, err := runCLI(t, configPath, "status", "--remote")
	if err != nil {
		t.Fatalf("status --remote: %v", err)
	}
	requireContains(t, out, "srv-1234")
	requireContains(t, out, "converting")
	requireContains(t, out, "codec error")
}

func TestAddThenStatusListsTask(t *testing.T) {
	configPath := writeTestConfig(t)
	source := filepath.Join(t.TempDir(), "holiday clip.mp4")
	if err := os.WriteFile(source, bytes.Repeat([]byte{0xAB}, 4096), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	out, err := runCLI(t, configPath, "add", source)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	requireContains(t, out, "Queued 1 task(s)")

	out, err = runCLI(t, configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Holiday Clip")
	requireContains(t, out, "pending")
}

func TestAddSkipsUnsupportedFiles(t *testing.T) {
	configPath := writeTestConfig(t)
	source := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(source, []byte("not a video"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	out, err := runCLI(t, configPath, "add", source)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	requireContains(t, out, "skip")
}

func TestRetryUnknownTask(t *testing.T) {
	configPath := writeTestConfig(t)

	_, err := runCLI(t, configPath, "retry", "no-such-task")
	if err == nil {
		t.Fatal("expected error for unknown task")
	}
	if !strings.Contains(err.Error(), "task not found") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFindRecordMatchesPrefix(t *testing.T) {
	records := []task.Record{
		{LocalID: "aaaa1111", ServerID: "srv-1"},
		{LocalID: "aaab2222"},
		{LocalID: "bbbb3333"},
	}

	rec, err := findRecord(records, "bbbb")
	if err != nil {
		t.Fatalf("findRecord: %v", err)
	}
	if rec.LocalID != "bbbb3333" {
		t.Fatalf("expected bbbb3333, got %s", rec.LocalID)
	}

	if _, err := findRecord(records, "aaa"); err == nil {
		t.Fatal("expected ambiguity error")
	}
	if _, err := findRecord(records, "srv-1"); err != nil {
		t.Fatalf("expected server id match: %v", err)
	}
	if _, err := findRecord(records, "zzz"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Status", statusError, "failed", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Status:", "[ERROR] failed")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Status", statusOK, "completed", true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatal("expected non-file writer to disable color")
	}
}
