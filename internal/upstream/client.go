package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

const listPageSize = 200

// FileEntry is one file (or directory) inside a shared listing.
type FileEntry struct {
	FID           string `json:"fid"`
	Name          string `json:"file_name"`
	ShareFidToken string `json:"share_fid_token"`
	Size          int64  `json:"size"`
	Dir           bool   `json:"dir"`
}

// FileListing is a resolved share: the token needed to act on it plus its
// file entries. SourceRef is the canonical absolute share URL, regardless
// of the form the share was referenced by.
type FileListing struct {
	SourceRef string
	ShareCode string
	Passcode  string
	Stoken    string
	Files     []FileEntry
}

// Outcome reports what a materialization actually did.
type Outcome struct {
	FolderID   string
	SavedFiles int
}

// Client is the interface the rest of the system uses to talk to the
// file-sharing service.
type Client interface {
	// ResolveShare resolves a share reference into a file listing.
	ResolveShare(ctx context.Context, sourceRef string) (*FileListing, error)

	// Materialize saves a resolved listing into the account's storage under
	// the given destination path, creating the folder hierarchy as needed.
	Materialize(ctx context.Context, listing *FileListing, destinationPath string) (*Outcome, error)

	// Probe performs a lightweight authenticated call to verify the session
	// credential. Used by the session guard.
	Probe(ctx context.Context) error
}

// CredentialSource supplies the current session credential. The session
// guard owns the credential; the client reads it per request so an updated
// credential takes effect without rebuilding the client.
type CredentialSource interface {
	Credential() string
}

// Config holds the HTTP client settings.
type Config struct {
	BaseURL        string
	ShareBaseURL   string
	RequestTimeout time.Duration
	MaxConnections int
	Retry          RetryPolicy
}

// HTTPClient implements Client against the Quark-drive style REST API.
// All outbound calls run under a bounded semaphore; excess calls wait, with
// the per-call timeout covering the wait.
type HTTPClient struct {
	baseURL      string
	shareBaseURL string
	timeout      time.Duration
	retry        RetryPolicy
	creds        CredentialSource
	httpClient   *http.Client
	sem          chan struct{}
	logger       *slog.Logger

	// dirCache maps destination paths to already-resolved folder IDs so a
	// retried task does not re-walk the folder hierarchy.
	mu       sync.Mutex
	dirCache map[string]string
}

// NewHTTPClient creates a client for the external file-sharing API.
func NewHTTPClient(cfg Config, creds CredentialSource, log *slog.Logger) *HTTPClient {
	if log == nil {
		log = slog.Default()
	}
	maxConns := cfg.MaxConnections
	if maxConns < 1 {
		maxConns = 1
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		shareBaseURL: strings.TrimRight(cfg.ShareBaseURL, "/"),
		timeout:      timeout,
		retry:        cfg.Retry,
		creds:        creds,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        maxConns * 2,
				MaxIdleConnsPerHost: maxConns,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		sem:      make(chan struct{}, maxConns),
		logger:   log.With(slog.String("component", "upstream_client")),
		dirCache: make(map[string]string),
	}
}

var _ Client = (*HTTPClient)(nil)

// Probe implements Client.Probe with a config fetch, the cheapest
// authenticated endpoint the service offers.
func (c *HTTPClient) Probe(ctx context.Context) error {
	_, err := c.requestJSON(ctx, http.MethodGet, c.baseURL+"/1/clouddrive/config", nil, nil)
	return err
}

// ResolveShare implements Client.ResolveShare. The share token fetch and the
// listing fetch each run under the inner retry policy; only transient
// failures are retried there.
func (c *HTTPClient) ResolveShare(ctx context.Context, sourceRef string) (*FileListing, error) {
	code, passcode, err := ExtractShareInfo(sourceRef)
	if err != nil {
		return nil, err
	}

	log := c.logger.With(slog.String("share_code", code))

	var stoken string
	err = c.retry.Do(ctx, log, "share_token", func(ctx context.Context) error {
		var tokenErr error
		stoken, tokenErr = c.fetchShareToken(ctx, code, passcode)
		return tokenErr
	})
	if err != nil {
		return nil, err
	}

	var files []FileEntry
	err = c.retry.Do(ctx, log, "share_listing", func(ctx context.Context) error {
		var listErr error
		files, listErr = c.fetchShareListing(ctx, code, stoken)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	log.Debug("share resolved", slog.Int("file_count", len(files)))

	return &FileListing{
		SourceRef: NormalizeShareURL(sourceRef, code, passcode),
		ShareCode: code,
		Passcode:  passcode,
		Stoken:    stoken,
		Files:     files,
	}, nil
}

// Materialize implements Client.Materialize: resolve or create the
// destination folder, then save the listing's files into it.
func (c *HTTPClient) Materialize(ctx context.Context, listing *FileListing, destinationPath string) (*Outcome, error) {
	if listing == nil || len(listing.Files) == 0 {
		return nil, fmt.Errorf("%w: nothing to materialize", ErrRejected)
	}

	log := c.logger.With(
		slog.String("share_code", listing.ShareCode),
		slog.String("destination", destinationPath))

	var folderID string
	err := c.retry.Do(ctx, log, "ensure_folder", func(ctx context.Context) error {
		var dirErr error
		folderID, dirErr = c.ensureFolder(ctx, destinationPath)
		return dirErr
	})
	if err != nil {
		return nil, err
	}

	err = c.retry.Do(ctx, log, "share_save", func(ctx context.Context) error {
		return c.saveShare(ctx, listing, folderID)
	})
	if err != nil {
		return nil, err
	}

	log.Info("share materialized",
		slog.String("folder_id", folderID),
		slog.Int("saved_files", len(listing.Files)))

	return &Outcome{FolderID: folderID, SavedFiles: len(listing.Files)}, nil
}

// fetchShareToken exchanges share code + passcode for the stoken required by
// every subsequent share operation.
func (c *HTTPClient) fetchShareToken(ctx context.Context, code, passcode string) (string, error) {
	payload := map[string]string{"pwd_id": code, "passcode": passcode}
	data, err := c.requestJSON(ctx, http.MethodPost,
		c.shareBaseURL+"/1/clouddrive/share/sharepage/token", nil, payload)
	if err != nil {
		return "", err
	}

	var body struct {
		Stoken string `json:"stoken"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Stoken == "" {
		return "", fmt.Errorf("%w: missing stoken in share token response", ErrRejected)
	}
	return body.Stoken, nil
}

// fetchShareListing pages through the share's top-level entries.
func (c *HTTPClient) fetchShareListing(ctx context.Context, code, stoken string) ([]FileEntry, error) {
	var files []FileEntry
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("pwd_id", code)
		params.Set("stoken", stoken)
		params.Set("pdir_fid", "0")
		params.Set("_page", strconv.Itoa(page))
		params.Set("_size", strconv.Itoa(listPageSize))
		params.Set("_fetch_total", "1")

		data, err := c.requestJSON(ctx, http.MethodGet,
			c.shareBaseURL+"/1/clouddrive/share/sharepage/detail", params, nil)
		if err != nil {
			return nil, err
		}

		var body struct {
			List []FileEntry `json:"list"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("%w: malformed share listing: %v", ErrRejected, err)
		}

		files = append(files, body.List...)
		if len(body.List) < listPageSize {
			return files, nil
		}
	}
}

// saveShare copies the listing's files into the destination folder.
func (c *HTTPClient) saveShare(ctx context.Context, listing *FileListing, folderID string) error {
	fids := make([]string, 0, len(listing.Files))
	tokens := make([]string, 0, len(listing.Files))
	for _, file := range listing.Files {
		fids = append(fids, file.FID)
		tokens = append(tokens, file.ShareFidToken)
	}

	payload := map[string]any{
		"fid_list":             fids,
		"share_fid_token_list": tokens,
		"to_pdir_fid":          folderID,
		"pwd_id":               listing.ShareCode,
		"stoken":               listing.Stoken,
		"pdir_fid":             "0",
		"scene":                "link",
	}

	_, err := c.requestJSON(ctx, http.MethodPost,
		c.shareBaseURL+"/1/clouddrive/share/sharepage/save", nil, payload)
	return err
}

// ensureFolder resolves the folder ID for an absolute destination path,
// creating missing segments. Resolved paths are cached.
func (c *HTTPClient) ensureFolder(ctx context.Context, destinationPath string) (string, error) {
	normalized := path.Clean("/" + strings.Trim(destinationPath, "/"))

	c.mu.Lock()
	if fid, ok := c.dirCache[normalized]; ok {
		c.mu.Unlock()
		return fid, nil
	}
	c.mu.Unlock()

	parentFid := "0"
	if normalized != "/" {
		for _, segment := range strings.Split(strings.Trim(normalized, "/"), "/") {
			existing, err := c.findChildFolder(ctx, parentFid, segment)
			if err != nil {
				return "", err
			}
			if existing != "" {
				parentFid = existing
				continue
			}
			created, err := c.createFolder(ctx, parentFid, segment)
			if err != nil {
				return "", err
			}
			parentFid = created
		}
	}

	c.mu.Lock()
	c.dirCache[normalized] = parentFid
	c.mu.Unlock()

	c.logger.Debug("destination folder resolved",
		slog.String("path", normalized),
		slog.String("folder_id", parentFid))
	return parentFid, nil
}

// findChildFolder looks for a directory named name under parentFid,
// returning its ID or "" when absent.
func (c *HTTPClient) findChildFolder(ctx context.Context, parentFid, name string) (string, error) {
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("pdir_fid", parentFid)
		params.Set("_page", strconv.Itoa(page))
		params.Set("_size", strconv.Itoa(listPageSize))

		data, err := c.requestJSON(ctx, http.MethodGet,
			c.baseURL+"/1/clouddrive/file/sort", params, nil)
		if err != nil {
			return "", err
		}

		var body struct {
			List []FileEntry `json:"list"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return "", fmt.Errorf("%w: malformed directory listing: %v", ErrRejected, err)
		}

		for _, entry := range body.List {
			if entry.Dir && entry.Name == name {
				return entry.FID, nil
			}
		}
		if len(body.List) < listPageSize {
			return "", nil
		}
	}
}

// createFolder creates a directory named name under parentFid.
func (c *HTTPClient) createFolder(ctx context.Context, parentFid, name string) (string, error) {
	payload := map[string]any{
		"pdir_fid":  parentFid,
		"file_name": name,
		"dir_path":  "",
	}

	data, err := c.requestJSON(ctx, http.MethodPost, c.baseURL+"/1/clouddrive/file", nil, payload)
	if err != nil {
		return "", err
	}

	var body struct {
		FID string `json:"fid"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.FID == "" {
		return "", fmt.Errorf("%w: create folder returned no fid", ErrRejected)
	}
	return body.FID, nil
}

// apiEnvelope is the common response wrapper used by every endpoint.
type apiEnvelope struct {
	Status  int             `json:"status"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// requestJSON performs one API call under the connection semaphore and the
// per-call timeout, decodes the response envelope, and classifies failures.
// The returned bytes are the envelope's data field.
func (c *HTTPClient) requestJSON(ctx context.Context, method, rawURL string, params url.Values, payload any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// The semaphore wait counts against the per-call timeout.
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, classifyTransportError(ctx.Err())
	}

	query := url.Values{"pr": {"ucpro"}, "fr": {"pc"}}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	fullURL := rawURL + "?" + query.Encode()

	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode request payload: %v", ErrRejected, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.creds != nil {
		if cookie := c.creds.Credential(); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrAuth, resp.StatusCode, rawURL)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrTransient, resp.StatusCode, rawURL)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrRejected, resp.StatusCode, rawURL)
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: non-JSON response from %s: %v", ErrTransient, rawURL, err)
	}

	if envelope.Status != http.StatusOK && envelope.Code != 0 {
		message := envelope.Message
		if message == "" {
			message = fmt.Sprintf("status %d code %d", envelope.Status, envelope.Code)
		}
		if authErrorMessage(message) {
			return nil, fmt.Errorf("%w: %s", ErrAuth, message)
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, message)
	}

	return envelope.Data, nil
}
