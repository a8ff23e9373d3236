// Package notify delivers login codes and vault backups to the operator
// through the Telegram Bot API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultBaseURL is the Telegram Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// ErrAPI is returned when Telegram answers with a non-OK result.
var ErrAPI = errors.New("telegram api error")

// Telegram sends messages and documents to a single chat.
type Telegram struct {
	client  *retryablehttp.Client
	baseURL string
	token   string
	chatID  string
	log     *zap.Logger
}

// Option configures a Telegram client.
type Option func(*Telegram)

// WithBaseURL points the client at another API root, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(t *Telegram) { t.baseURL = strings.TrimRight(u, "/") }
}

// WithRetries sets the retry count and the backoff bounds.
func WithRetries(max int, waitMin, waitMax time.Duration) Option {
	return func(t *Telegram) {
		t.client.RetryMax = max
		t.client.RetryWaitMin = waitMin
		t.client.RetryWaitMax = waitMax
	}
}

// NewTelegram returns a client that posts to chatID with the bot token.
func NewTelegram(token, chatID string, log *zap.Logger, opts ...Option) *Telegram {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = leveledLogger{log: log.Named("telegram"), redact: token}

	t := &Telegram{
		client:  client,
		baseURL: DefaultBaseURL,
		token:   token,
		chatID:  chatID,
		log:     log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	ParseMode string `json:"parse_mode"`
	Text      string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts a Markdown message.
func (t *Telegram) Send(ctx context.Context, message string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, ParseMode: "Markdown", Text: message})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), body)
	if err != nil {
		return t.redact(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req)
}

// SendBackup uploads content as a document named filename.
func (t *Telegram) SendBackup(ctx context.Context, filename string, content []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", t.chatID); err != nil {
		return err
	}
	part, err := w.CreateFormFile("document", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(content); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendDocument"), buf.Bytes())
	if err != nil {
		return t.redact(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return t.do(req)
}

func (t *Telegram) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
}

func (t *Telegram) do(req *retryablehttp.Request) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return t.redact(err)
	}
	defer resp.Body.Close()

	var out apiResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read telegram response: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil || !out.OK || resp.StatusCode != http.StatusOK {
		desc := out.Description
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: %d %s", ErrAPI, resp.StatusCode, desc)
	}
	return nil
}

// redact strips the bot token from errors, which embed the request URL.
func (t *Telegram) redact(err error) error {
	if t.token == "" || !strings.Contains(err.Error(), t.token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), t.token, "<redacted>"))
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	log    *zap.Logger
	redact string
}

func (l leveledLogger) fields(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		val := fmt.Sprint(kv[i+1])
		if l.redact != "" {
			val = strings.ReplaceAll(val, l.redact, "<redacted>")
		}
		fields = append(fields, zap.String(key, val))
	}
	return fields
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error(msg, l.fields(kv)...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug(msg, l.fields(kv)...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debug(msg, l.fields(kv)...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn(msg, l.fields(kv)...) }
