package queue

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"

	"github.com/ashureev/sessionrelay/internal/transport"
)

const maxAttachmentBytes = 64 << 20

// HTTPFetcher downloads attachment references that are http(s) URLs.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a fetcher using client, or http.DefaultClient when nil.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

// Fetch downloads ref. The caller bounds it with ctx.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (*transport.Attachment, error) {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unsupported attachment reference %q", ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build attachment request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch attachment: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxAttachmentBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = ""
	}
	return &transport.Attachment{Data: data, MimeType: mimeType, FileName: name}, nil
}
