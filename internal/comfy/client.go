package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/common"
)

// Client drives the ComfyUI HTTP API: queueing prompts, uploading inputs,
// reading execution history, and downloading produced artifacts.
type Client struct {
	address        string
	secure         bool
	httpClient     *http.Client
	downloadClient *http.Client
	logger         arbor.ILogger
}

// NewClient creates a ComfyUI API client from config
func NewClient(cfg *common.ComfyConfig, logger arbor.ILogger) *Client {
	return &Client{
		address: cfg.Address,
		secure:  cfg.Secure,
		httpClient: &http.Client{
			Timeout: common.Duration(cfg.RequestTimeout, 30*time.Second),
		},
		downloadClient: &http.Client{
			Timeout: common.Duration(cfg.DownloadTimeout, 60*time.Second),
		},
		logger: logger,
	}
}

// BaseURL returns the http(s) base URL of the upstream server
func (c *Client) BaseURL() string {
	scheme := "http"
	if c.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.address)
}

// WebSocketURL returns the ws(s) URL for the progress feed of clientID
func (c *Client) WebSocketURL(clientID string) string {
	scheme := "ws"
	if c.secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws?clientId=%s", scheme, c.address, url.QueryEscape(clientID))
}

// QueuePrompt submits a patched workflow and returns the prompt id
func (c *Client) QueuePrompt(ctx context.Context, workflow map[string]json.RawMessage, clientID string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"prompt":    workflow,
		"client_id": clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("queueing prompt failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("queueing prompt failed: status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode prompt response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("/prompt did not return a prompt_id")
	}

	c.logger.Debug().Str("prompt_id", result.PromptID).Msg("Prompt queued upstream")

	return result.PromptID, nil
}

// UploadInput uploads input media under the given filename. ComfyUI stores
// both videos and images through the same /upload/image endpoint.
func (c *Client) UploadInput(ctx context.Context, content []byte, filename string) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for field, value := range map[string]string{
		"overwrite": "true",
		"type":      "input",
		"subfolder": "",
	} {
		if err := writer.WriteField(field, value); err != nil {
			return fmt.Errorf("failed to write upload field %s: %w", field, err)
		}
	}

	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return fmt.Errorf("failed to create upload part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("failed to write upload content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+"/upload/image", &buf)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload of %s failed: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload of %s failed: status %d: %s", filename, resp.StatusCode, string(body))
	}

	c.logger.Debug().Str("filename", filename).Int("bytes", len(content)).Msg("Input uploaded upstream")

	return nil
}

// HistoryOutput is one artifact entry from the history outputs block
type HistoryOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Format    string `json:"format"`
	Type      string `json:"type"`
}

// History is the per-prompt execution record returned by /history/{id}
type History struct {
	// Outputs maps node id -> output kind ("gifs", "videos", "images") ->
	// produced files
	Outputs map[string]map[string][]HistoryOutput `json:"outputs"`
}

// GetHistory fetches the execution record for a prompt. Returns nil without
// error when the prompt has no history entry yet.
func (c *Client) GetHistory(ctx context.Context, promptID string) (*History, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build history request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching history failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching history failed: status %d", resp.StatusCode)
	}

	// Shape: {prompt_id: {outputs: {...}, status: {...}}}
	var envelope map[string]History
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode history response: %w", err)
	}

	if entry, ok := envelope[promptID]; ok {
		return &entry, nil
	}
	// Fall back to the first entry when the key is absent
	for _, entry := range envelope {
		return &entry, nil
	}
	return nil, nil
}

// DownloadArtifact streams the artifact identified by a history output into
// destDir as destName, returning the local path
func (c *Client) DownloadArtifact(ctx context.Context, output *HistoryOutput, destDir, destName string) (string, error) {
	params := url.Values{}
	params.Set("filename", output.Filename)
	params.Set("type", "output")
	if output.Subfolder != "" {
		params.Set("subfolder", output.Subfolder)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+"/view?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build view request: %w", err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("artifact download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artifact download failed: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create downloads directory: %w", err)
	}

	target := filepath.Join(destDir, destName)
	file, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("failed to write artifact file: %w", err)
	}

	c.logger.Debug().Str("filename", output.Filename).Str("target", target).Msg("Artifact downloaded")

	return target, nil
}

// Ping checks upstream reachability via the system stats endpoint
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+"/system_stats", nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return nil
}

// FetchURL downloads remote input media (submission by URL)
func (c *Client) FetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid input URL %s: %w", rawURL, err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %d", rawURL, resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	return content, nil
}
