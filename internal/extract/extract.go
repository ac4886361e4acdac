// Package extract turns uploaded documents into plain text.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrUnsupportedFormat is returned for binary documents when no Tika
	// endpoint is configured.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrEmptyDocument is returned when extraction yields no text.
	ErrEmptyDocument = errors.New("document contains no text")
)

var textExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".text":     true,
	".rst":      true,
}

// Extractor reads text documents directly and sends everything else to an
// Apache Tika server.
type Extractor struct {
	tikaURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates an Extractor. An empty tikaURL limits extraction to text files.
func New(tikaURL string, timeout time.Duration, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Extractor{
		tikaURL: strings.TrimRight(tikaURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Extract returns the text content of the named document.
func (e *Extractor) Extract(ctx context.Context, fileName, contentType string, data []byte) (string, error) {
	if isText(fileName, contentType, data) {
		text := strings.TrimSpace(string(data))
		if text == "" {
			return "", ErrEmptyDocument
		}
		return text, nil
	}
	if e.tikaURL == "" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, fileName)
	}

	text, err := e.tika(ctx, contentType, data)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyDocument
	}
	e.logger.Debug("Extracted document via tika", "file", fileName, "chars", utf8.RuneCountInString(text))
	return text, nil
}

func (e *Extractor) tika(ctx context.Context, contentType string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, e.tikaURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create tika request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tika request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("tika returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read tika response: %w", err)
	}
	return string(body), nil
}

func isText(fileName, contentType string, data []byte) bool {
	if textExtensions[strings.ToLower(filepath.Ext(fileName))] {
		return true
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if strings.HasPrefix(mediaType, "text/") {
			return true
		}
	}
	// Unlabelled uploads fall back to sniffing.
	if filepath.Ext(fileName) == "" && contentType == "" {
		return utf8.Valid(data) && strings.HasPrefix(http.DetectContentType(data), "text/")
	}
	return false
}
