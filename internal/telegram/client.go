package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/scannerops/callwatch/pkg/logger"
)

// Client talks to the Telegram Bot API. It implements the dispatcher's
// transport contract: channel ids are Telegram chat ids.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a Bot API client.
func NewClient(baseURL, token string, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.Named("telegram"),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type message struct {
	MessageID int64 `json:"message_id"`
}

// Send posts a text message to the chat and returns the message id.
func (c *Client) Send(ctx context.Context, channelID, text string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"chat_id": channelID,
		"text":    text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal sendMessage request: %w", err)
	}

	result, err := c.post(ctx, "sendMessage", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	var msg message
	if err := json.Unmarshal(result, &msg); err != nil {
		return "", fmt.Errorf("failed to decode sendMessage response: %w", err)
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// SendAudio uploads an audio file as a multipart request and returns the
// message id.
func (c *Client) SendAudio(ctx context.Context, channelID, path, caption string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", channelID); err != nil {
		return "", fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return "", fmt.Errorf("failed to write caption field: %w", err)
		}
	}
	if err := attachFile(w, "audio", path); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart request: %w", err)
	}

	result, err := c.post(ctx, "sendAudio", w.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}

	var msg message
	if err := json.Unmarshal(result, &msg); err != nil {
		return "", fmt.Errorf("failed to decode sendAudio response: %w", err)
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// SendMediaGroup uploads up to ten audio files as one album. The caption is
// attached to the first item.
func (c *Client) SendMediaGroup(ctx context.Context, channelID string, paths []string, caption string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if len(paths) > 10 {
		paths = paths[:10]
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", channelID); err != nil {
		return nil, fmt.Errorf("failed to write chat_id field: %w", err)
	}

	media := make([]map[string]any, 0, len(paths))
	for i, path := range paths {
		field := fmt.Sprintf("audio%d", i)
		if err := attachFile(w, field, path); err != nil {
			return nil, err
		}
		item := map[string]any{
			"type":  "audio",
			"media": "attach://" + field,
		}
		if i == 0 && caption != "" {
			item["caption"] = caption
		}
		media = append(media, item)
	}

	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal media group: %w", err)
	}
	if err := w.WriteField("media", string(mediaJSON)); err != nil {
		return nil, fmt.Errorf("failed to write media field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart request: %w", err)
	}

	result, err := c.post(ctx, "sendMediaGroup", w.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	var msgs []message
	if err := json.Unmarshal(result, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode sendMediaGroup response: %w", err)
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, strconv.FormatInt(m.MessageID, 10))
	}
	return ids, nil
}

func (c *Client) post(ctx context.Context, method, contentType string, body io.Reader) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var api apiResponse
	if err := json.Unmarshal(data, &api); err != nil {
		return nil, fmt.Errorf("failed to decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !api.OK {
		return nil, fmt.Errorf("%s rejected (status %d): %s", method, resp.StatusCode, api.Description)
	}
	return api.Result, nil
}

func attachFile(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to copy audio file: %w", err)
	}
	return nil
}
