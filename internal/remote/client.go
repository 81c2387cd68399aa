// Package remote is the HTTP client for the conversion service REST API:
// task creation with multipart upload, cancellation, listing, and result
// download. Failures carry sentinel markers so callers can tell transient
// network trouble from permanent rejections.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ferry/internal/config"
	"ferry/internal/logging"
)

const userAgent = "Ferry/0.1.0"

// UploadProgress is invoked as upload bytes go out. total is the source file
// size; sent is cumulative.
type UploadProgress func(sent, total int64)

// TaskInfo is the service's view of a conversion task.
type TaskInfo struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DownloadURL  string    `json:"download_url,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// CreateTaskRequest carries everything the service needs to start a task.
type CreateTaskRequest struct {
	SourcePath  string
	DisplayName string
	Params      config.Conversion
	Progress    UploadProgress
}

// Client talks to the conversion service REST API.
type Client struct {
	logger       *slog.Logger
	baseURL      string
	token        string
	httpClient   *http.Client
	uploadClient *http.Client
}

// New builds a client from config. Uploads get their own, longer timeout.
func New(cfg *config.Config, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.Remote.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	uploadTimeout := time.Duration(cfg.Remote.UploadTimeoutSeconds) * time.Second
	if uploadTimeout <= 0 {
		uploadTimeout = 30 * time.Minute
	}
	return &Client{
		logger:       logging.NewComponentLogger(logger, "remote"),
		baseURL:      strings.TrimRight(cfg.Remote.BaseURL, "/"),
		token:        cfg.Remote.APIToken,
		httpClient:   &http.Client{Timeout: timeout},
		uploadClient: &http.Client{Timeout: uploadTimeout},
	}
}

// CreateTask uploads the source file and registers a conversion task. The
// returned TaskInfo.ID is the server-side identifier to link locally.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (TaskInfo, error) {
	file, err := os.Open(req.SourcePath)
	if err != nil {
		return TaskInfo{}, Wrap(ErrServerRejected, "create task", "open source file", err)
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return TaskInfo{}, Wrap(ErrServerRejected, "create task", "stat source file", err)
	}

	pipeReader, pipeWriter := io.Pipe()
	form := multipart.NewWriter(pipeWriter)
	go func() {
		err := writeUploadForm(form, req, file, stat.Size())
		if closeErr := form.Close(); err == nil {
			err = closeErr
		}
		pipeWriter.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/tasks", pipeReader)
	if err != nil {
		return TaskInfo{}, Wrap(ErrNetwork, "create task", "build request", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.uploadClient.Do(httpReq)
	if err != nil {
		return TaskInfo{}, Wrap(classifyTransport(err), "create task", "upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TaskInfo{}, c.statusError("create task", resp)
	}

	var info TaskInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return TaskInfo{}, Wrap(ErrNetwork, "create task", "decode response", err)
	}
	if info.ID == "" {
		return TaskInfo{}, Wrap(ErrServerRejected, "create task", "response missing task id", nil)
	}
	c.logger.Info("task registered with conversion service",
		logging.String(logging.FieldServerID, info.ID),
		logging.Int64("size_bytes", stat.Size()),
	)
	return info, nil
}

func writeUploadForm(form *multipart.Writer, req CreateTaskRequest, file *os.File, size int64) error {
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if err := form.WriteField("params", string(paramsJSON)); err != nil {
		return fmt.Errorf("write params field: %w", err)
	}
	if req.DisplayName != "" {
		if err := form.WriteField("display_name", req.DisplayName); err != nil {
			return fmt.Errorf("write display name field: %w", err)
		}
	}
	part, err := form.CreateFormFile("file", filepath.Base(req.SourcePath))
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	reader := io.Reader(file)
	if req.Progress != nil {
		reader = &progressReader{inner: file, total: size, report: req.Progress}
	}
	if _, err := io.Copy(part, reader); err != nil {
		return fmt.Errorf("stream source file: %w", err)
	}
	return nil
}

// Task fetches the current state of a single task.
func (c *Client) Task(ctx context.Context, serverID string) (TaskInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/tasks/"+serverID, nil)
	if err != nil {
		return TaskInfo{}, Wrap(ErrNetwork, "get task", "build request", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TaskInfo{}, Wrap(classifyTransport(err), "get task", serverID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return TaskInfo{}, c.statusError("get task", resp)
	}

	var info TaskInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return TaskInfo{}, Wrap(ErrNetwork, "get task", "decode response", err)
	}
	return info, nil
}

// CancelTask asks the service to stop a task. Cancelling a task the server
// no longer knows reports ErrNotFound.
func (c *Client) CancelTask(ctx context.Context, serverID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/tasks/"+serverID+"/cancel", nil)
	if err != nil {
		return Wrap(ErrNetwork, "cancel task", "build request", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Wrap(classifyTransport(err), "cancel task", serverID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError("cancel task", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// RecentTasks lists the most recent tasks known to the service.
func (c *Client) RecentTasks(ctx context.Context, limit int) ([]TaskInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	url := fmt.Sprintf("%s/api/v1/tasks?limit=%d", c.baseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Wrap(ErrNetwork, "list tasks", "build request", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Wrap(classifyTransport(err), "list tasks", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("list tasks", resp)
	}

	var tasks []TaskInfo
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, Wrap(ErrNetwork, "list tasks", "decode response", err)
	}
	return tasks, nil
}

// DownloadResult streams the converted file to destPath. The write goes to a
// temporary sibling first and is renamed into place only when complete, so a
// broken download never leaves a plausible-looking partial file behind.
func (c *Client) DownloadResult(ctx context.Context, downloadURL, destPath string, progress func(written, total int64)) error {
	if !strings.Contains(downloadURL, "://") {
		downloadURL = c.baseURL + "/" + strings.TrimLeft(downloadURL, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return Wrap(ErrNetwork, "download result", "build request", err)
	}
	c.setHeaders(req)

	// Downloads can exceed any sane request timeout; rely on ctx instead.
	downloadClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := downloadClient.Do(req)
	if err != nil {
		return Wrap(classifyTransport(err), "download result", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError("download result", resp)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Wrap(ErrNetwork, "download result", "create destination directory", err)
	}
	partial := destPath + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return Wrap(ErrNetwork, "download result", "create temp file", err)
	}

	reader := io.Reader(resp.Body)
	if progress != nil {
		reader = &progressReader{inner: resp.Body, total: resp.ContentLength, report: progress}
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		_ = os.Remove(partial)
		return Wrap(classifyTransport(err), "download result", "stream body", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(partial)
		return Wrap(ErrNetwork, "download result", "close temp file", err)
	}
	if err := os.Rename(partial, destPath); err != nil {
		_ = os.Remove(partial)
		return Wrap(ErrNetwork, "download result", "finalize file", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) statusError(operation string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	message := strings.TrimSpace(string(payload))
	if message == "" {
		message = resp.Status
	}
	return Wrap(classifyStatus(resp.StatusCode), operation, fmt.Sprintf("server returned %d", resp.StatusCode), fmt.Errorf("%s", message))
}

// progressReader reports cumulative bytes as they pass through.
type progressReader struct {
	inner  io.Reader
	total  int64
	sent   int64
	report func(sent, total int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.sent += int64(n)
		r.report(r.sent, r.total)
	}
	return n, err
}
