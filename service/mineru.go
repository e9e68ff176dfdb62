package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/config"
)

// MinerU task states.
const (
	MineruStatePending    = "pending"
	MineruStateRunning    = "running"
	MineruStateConverting = "converting"
	MineruStateDone       = "done"
	MineruStateFailed     = "failed"
)

type MineruService struct {
	config     *config.MineruConfig
	httpClient *http.Client

	mu      sync.Mutex
	waiters map[string]chan MineruResult // dataID -> callback delivery
}

// MineruTaskRequest represents the request to create an extraction task
type MineruTaskRequest struct {
	URL          string `json:"url"`
	ModelVersion string `json:"model_version"`
	Callback     string `json:"callback,omitempty"`
	Seed         string `json:"seed,omitempty"`
	DataID       string `json:"data_id,omitempty"`
}

// MineruTaskResponse represents the response from task creation
type MineruTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// MineruResult is the task state shared by status polls and callbacks.
type MineruResult struct {
	TaskID     string `json:"task_id"`
	DataID     string `json:"data_id"`
	State      string `json:"state"`
	FullZipURL string `json:"full_zip_url,omitempty"`
	ErrorMsg   string `json:"err_msg,omitempty"`
}

// MineruTaskStatusResponse represents the task status query response
type MineruTaskStatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	TraceID string `json:"trace_id"`
	Data    struct {
		MineruResult
		ModelVersion    string `json:"model_version,omitempty"`
		ExtractProgress struct {
			ExtractedPages int    `json:"extracted_pages"`
			TotalPages     int    `json:"total_pages"`
			StartTime      string `json:"start_time"`
		} `json:"extract_progress,omitempty"`
	} `json:"data"`
}

// MineruCallbackPayload represents the callback payload from MinerU
type MineruCallbackPayload struct {
	Checksum string `json:"checksum"`
	Content  string `json:"content"`
}

func NewMineruService(cfg *config.MineruConfig) *MineruService {
	return &MineruService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		waiters: make(map[string]chan MineruResult),
	}
}

// Enabled reports whether an API endpoint and token are configured.
func (s *MineruService) Enabled() bool {
	return s != nil && s.config.APIURL != "" && s.config.APIToken != ""
}

// CreateTask creates a new extraction task
func (s *MineruService) CreateTask(ctx context.Context, fileURL, dataID string) (*MineruTaskResponse, error) {
	reqBody := MineruTaskRequest{
		URL:          fileURL,
		ModelVersion: s.config.ModelVersion,
		DataID:       dataID,
	}

	if s.config.CallbackURL != "" {
		reqBody.Callback = s.config.CallbackURL
		reqBody.Seed = s.config.Seed
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/extract/task", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	var result MineruTaskResponse
	if err := s.doJSON(req, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("MinerU API error: %s", result.Message)
	}
	return &result, nil
}

// GetTaskStatus queries the status of a task
func (s *MineruService) GetTaskStatus(ctx context.Context, taskID string) (*MineruTaskStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/extract/task/%s", s.config.APIURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Accept", "*/*")

	var result MineruTaskStatusResponse
	if err := s.doJSON(req, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("MinerU API error: %s", result.Message)
	}

	slog.Debug("mineru task status", "mineru_task_id", taskID, "state", result.Data.State,
		"pages", result.Data.ExtractProgress.ExtractedPages, "total_pages", result.Data.ExtractProgress.TotalPages)
	return &result, nil
}

func (s *MineruService) doJSON(req *http.Request, out any) error {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w, body: %s", err, truncate(string(body), 200))
	}
	return nil
}

// VerifyCallback verifies the callback checksum
func (s *MineruService) VerifyCallback(checksum, content string) bool {
	// Checksum = SHA256(uid + seed + content)
	data := s.config.UID + s.config.Seed + content
	hash := sha256.Sum256([]byte(data))
	expected := hex.EncodeToString(hash[:])
	return checksum == expected
}

// Deliver hands a callback result to the extraction waiting on dataID.
// It returns false when nobody is waiting.
func (s *MineruService) Deliver(result MineruResult) bool {
	s.mu.Lock()
	ch, ok := s.waiters[result.DataID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- result:
	default:
	}
	return true
}

func (s *MineruService) register(dataID string) chan MineruResult {
	ch := make(chan MineruResult, 1)
	s.mu.Lock()
	s.waiters[dataID] = ch
	s.mu.Unlock()
	return ch
}

func (s *MineruService) unregister(dataID string) {
	s.mu.Lock()
	delete(s.waiters, dataID)
	s.mu.Unlock()
}

// ExtractText runs a full MinerU round trip for the document at fileURL:
// create the task, wait for a callback or poll until done, then pull the
// markdown out of the result archive.
func (s *MineruService) ExtractText(ctx context.Context, fileURL, dataID string) (string, error) {
	waiter := s.register(dataID)
	defer s.unregister(dataID)

	created, err := s.CreateTask(ctx, fileURL, dataID)
	if err != nil {
		return "", err
	}
	taskID := created.Data.TaskID
	slog.Info("mineru task created", "mineru_task_id", taskID, "data_id", dataID)

	result, err := s.waitForResult(ctx, taskID, waiter)
	if err != nil {
		return "", err
	}
	if result.State == MineruStateFailed {
		return "", fmt.Errorf("MinerU extraction failed: %s", result.ErrorMsg)
	}
	if result.FullZipURL == "" {
		return "", errors.New("MinerU result has no archive URL")
	}

	data, err := s.FetchZip(ctx, result.FullZipURL)
	if err != nil {
		return "", err
	}
	return ExtractMarkdownFromZip(data)
}

func (s *MineruService) waitForResult(ctx context.Context, taskID string, waiter <-chan MineruResult) (MineruResult, error) {
	interval := s.config.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	attempts := s.config.PollAttempts
	if attempts <= 0 {
		attempts = 60
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return MineruResult{}, ctx.Err()
		case r := <-waiter:
			if r.State == MineruStateDone || r.State == MineruStateFailed {
				return r, nil
			}
		case <-ticker.C:
			status, err := s.GetTaskStatus(ctx, taskID)
			if err != nil {
				slog.Warn("mineru status poll failed", "mineru_task_id", taskID, "error", err)
				continue
			}
			if status.Data.State == MineruStateDone || status.Data.State == MineruStateFailed {
				return status.Data.MineruResult, nil
			}
		}
	}
	return MineruResult{}, fmt.Errorf("MinerU task %s did not finish after %d polls", taskID, attempts)
}

// FetchZip downloads the result archive.
func (s *MineruService) FetchZip(ctx context.Context, zipURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download ZIP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download ZIP: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ZIP: %w", err)
	}
	slog.Debug("mineru archive downloaded", "bytes", len(data))
	return data, nil
}

// ExtractMarkdownFromZip returns full.md from a MinerU archive, falling
// back to the text items of content_list.json.
func ExtractMarkdownFromZip(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open ZIP: %w", err)
	}

	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "full.md") {
			content, err := readZipFile(f)
			if err != nil {
				return "", err
			}
			return string(content), nil
		}
	}

	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, "content_list.json") {
			continue
		}
		content, err := readZipFile(f)
		if err != nil {
			return "", err
		}
		var items []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(content, &items); err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", f.Name, err)
		}
		var parts []string
		for _, it := range items {
			if strings.TrimSpace(it.Text) != "" {
				parts = append(parts, it.Text)
			}
		}
		return strings.Join(parts, "\n\n"), nil
	}

	return "", errors.New("no markdown found in ZIP")
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return content, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
