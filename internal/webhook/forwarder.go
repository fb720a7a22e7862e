// Package webhook delivers inbound events to the configured callback URL.
// Delivery is at most once: a failed POST is logged and dropped.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"
)

// Payload encodings.
const (
	FormatMultipart = "multipart"
	FormatJSON      = "json"
)

// Attachment is downloaded inbound media.
type Attachment struct {
	Kind     string
	MimeType string
	FileName string
	Data     []byte
}

// Event is one inbound message ready for the callback.
type Event struct {
	SessionID  string
	From       string
	Sender     string
	Text       string
	Timestamp  time.Time
	Attachment *Attachment
}

// jsonEvent is the JSON encoding; File travels base64 encoded.
type jsonEvent struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	File      []byte `json:"file,omitempty"`
}

// Forwarder posts events to one URL.
type Forwarder struct {
	url    string
	format string
	client *http.Client
	logger *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithClient replaces the HTTP client. Its Timeout is overwritten.
func WithClient(c *http.Client) Option { return func(f *Forwarder) { f.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Forwarder) { f.logger = l } }

// New creates a Forwarder. An unknown format falls back to multipart.
func New(url, format string, timeout time.Duration, opts ...Option) *Forwarder {
	if format != FormatJSON {
		format = FormatMultipart
	}
	f := &Forwarder{
		url:    url,
		format: format,
		client: &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.client.Timeout = timeout
	return f
}

// Forward posts ev. The returned error is informational; callers do not
// retry.
func (f *Forwarder) Forward(ctx context.Context, ev Event) error {
	body, contentType, err := f.encode(ev)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, body)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	f.logger.Debug("Webhook delivered", "session_id", ev.SessionID, "from", ev.From, "status", resp.StatusCode)
	return nil
}

func (f *Forwarder) encode(ev Event) (io.Reader, string, error) {
	if f.format == FormatJSON {
		je := jsonEvent{SessionID: ev.SessionID, From: ev.From, Sender: ev.Sender, Text: ev.Text}
		if !ev.Timestamp.IsZero() {
			je.Timestamp = ev.Timestamp.Unix()
		}
		if a := ev.Attachment; a != nil {
			je.MediaType, je.MimeType, je.FileName, je.File = a.Kind, a.MimeType, a.FileName, a.Data
		}
		data, err := json.Marshal(je)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{{"sessionId", ev.SessionID}, {"from", ev.From}, {"text", ev.Text}}
	if ev.Sender != "" {
		fields = append(fields, [2]string{"sender", ev.Sender})
	}
	if a := ev.Attachment; a != nil {
		fields = append(fields,
			[2]string{"mediaType", a.Kind},
			[2]string{"mimeType", a.MimeType},
			[2]string{"fileName", a.FileName},
		)
	}
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}
	if a := ev.Attachment; a != nil {
		part, err := w.CreateFormFile("file", a.FileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
