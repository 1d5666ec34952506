// Package manifest fetches and stores the published asset manifest.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
)

const (
	// DefaultURL is the public manifest endpoint.
	DefaultURL = "https://dl.u7-trainz.de/api/assets.json"

	maxErrorBody = 10 * 1024
)

// Client fetches the asset manifest. It keeps no state between calls and
// never retries.
type Client struct {
	httpClient *http.Client
	url        string
	userAgent  string
}

// New creates a new manifest client
func New(httpClient *http.Client, manifestURL, userAgent string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if manifestURL == "" {
		manifestURL = DefaultURL
	}

	return &Client{
		httpClient: httpClient,
		url:        manifestURL,
		userAgent:  userAgent,
	}
}

// Fetch retrieves the assets published after fromRevision. A 404 answer
// means nothing was published since then and matches domain.ErrNotFound.
func (c *Client) Fetch(ctx context.Context, fromRevision int) (m *domain.Manifest, err error) {
	reqURL, err := c.requestURL(fromRevision)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{URL: reqURL, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing response body: %w", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.NetworkError{
			URL:        reqURL,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	m, err = Decode(resp.Body, reqURL)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) requestURL(fromRevision int) (string, error) {
	if fromRevision <= 0 {
		return c.url, nil
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parsing manifest url: %w", err)
	}
	q := u.Query()
	q.Set("revision", strconv.Itoa(fromRevision))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Decode parses a manifest document. source names the origin in errors.
func Decode(r io.Reader, source string) (*domain.Manifest, error) {
	var m domain.Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, &domain.DeserializationError{Source: source, Err: err}
	}
	return &m, nil
}

// Load reads a persisted manifest. A missing file is returned as an error
// matching fs.ErrNotExist; malformed content as *domain.DeserializationError.
func Load(path string) (*domain.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Decode(bytes.NewReader(data), path)
}

// Save writes m to path atomically through a temporary sibling file.
func Save(path string, m *domain.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming manifest: %w", err)
	}
	return nil
}
