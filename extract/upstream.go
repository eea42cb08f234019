package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	datasetcache "github.com/wolfeidau/dataset-cache"
)

const (
	// DefaultUpstreamURL is the default extraction service endpoint.
	DefaultUpstreamURL = "http://localhost:8000"

	// DefaultCatalogURL is the default hub catalog listing endpoint.
	DefaultCatalogURL = "https://huggingface.co/api/datasets"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second
)

// Upstream is an HTTP client for the extraction service, implementing
// Extractor and Catalog. Extraction failures arrive as error-record JSON
// bodies and are surfaced as typed *Error values with their causal chain
// intact.
type Upstream struct {
	baseURL    string
	catalogURL string
	token      string
	client     *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithUpstreamURL sets the extraction service URL.
func WithUpstreamURL(url string) UpstreamOption {
	return func(u *Upstream) {
		u.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithCatalogURL sets the hub catalog listing URL.
func WithCatalogURL(url string) UpstreamOption {
	return func(u *Upstream) {
		u.catalogURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithBearerToken sets the bearer token for upstream authentication.
func WithBearerToken(token string) UpstreamOption {
	return func(u *Upstream) {
		u.token = token
	}
}

// NewUpstream creates a new extraction service client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		baseURL:    DefaultUpstreamURL,
		catalogURL: DefaultCatalogURL,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// configsResponse mirrors the extraction service's configs listing.
type configsResponse struct {
	Configs []struct {
		Dataset string `json:"dataset"`
		Config  string `json:"config"`
	} `json:"configs"`
}

// splitsResponse mirrors the extraction service's splits listing.
type splitsResponse struct {
	Splits []struct {
		Dataset string `json:"dataset"`
		Config  string `json:"config"`
		Split   string `json:"split"`
	} `json:"splits"`
}

// ListConfigs returns the named configurations of the dataset.
func (u *Upstream) ListConfigs(ctx context.Context, dataset string) ([]string, error) {
	body, err := u.get(ctx, "/configs", url.Values{"dataset": {dataset}})
	if err != nil {
		return nil, err
	}

	var resp configsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewInternal(fmt.Sprintf("decoding configs response: %v", err))
	}

	configs := make([]string, 0, len(resp.Configs))
	for _, c := range resp.Configs {
		configs = append(configs, c.Config)
	}
	return configs, nil
}

// ListInfos returns the metadata document for one config, stored opaquely.
func (u *Upstream) ListInfos(ctx context.Context, dataset, config string) (Info, error) {
	body, err := u.get(ctx, "/infos", url.Values{"dataset": {dataset}, "config": {config}})
	if err != nil {
		return nil, err
	}
	return Info(body), nil
}

// ListSplits returns the named partitions of one config.
func (u *Upstream) ListSplits(ctx context.Context, dataset, config string) ([]string, error) {
	body, err := u.get(ctx, "/splits", url.Values{"dataset": {dataset}, "config": {config}})
	if err != nil {
		return nil, err
	}

	var resp splitsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewInternal(fmt.Sprintf("decoding splits response: %v", err))
	}

	splits := make([]string, 0, len(resp.Splits))
	for _, s := range resp.Splits {
		splits = append(splits, s.Split)
	}
	return splits, nil
}

// ListRows returns at most limit rows of one split.
func (u *Upstream) ListRows(ctx context.Context, dataset, config, split string, limit int) (*RowSet, error) {
	body, err := u.get(ctx, "/rows", url.Values{
		"dataset": {dataset},
		"config":  {config},
		"split":   {split},
		"limit":   {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, err
	}

	var rows RowSet
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, NewInternal(fmt.Sprintf("decoding rows response: %v", err))
	}
	return &rows, nil
}

// catalogEntry is one dataset in the hub listing.
type catalogEntry struct {
	ID string `json:"id"`
}

// ListAllDatasetIDs reads the full hub catalog. The listing may be tens of
// thousands of entries and is decoded in one pass.
func (u *Upstream) ListAllDatasetIDs(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.catalogURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	u.setAuth(req)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("catalog returned %d: %s", resp.StatusCode, truncate(body))
	}

	var entries []catalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// get performs one extraction request and returns the raw response body.
// Non-2xx responses become typed errors.
func (u *Upstream) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	reqURL := fmt.Sprintf("%s%s?%s", u.baseURL, path, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	u.setAuth(req)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, NewInternal(fmt.Sprintf("performing request: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewInternal(fmt.Sprintf("reading response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, body)
	}
	return body, nil
}

// setAuth sets the Authorization header if a token is configured.
func (u *Upstream) setAuth(req *http.Request) {
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
}

// decodeError turns a non-2xx extraction response into a typed *Error. A
// well-formed error-record body keeps its message and causal chain;
// anything else is classified by HTTP status alone.
func decodeError(status int, body []byte) *Error {
	var rec datasetcache.ErrorRecord
	if err := json.Unmarshal(body, &rec); err == nil && rec.Validate() == nil {
		e := &Error{
			StatusCode: rec.StatusCode,
			Kind:       rec.Kind,
			Message:    rec.Message,
		}
		if rec.Cause != "" {
			return e.WithCause(rec.Cause, rec.CauseMessage)
		}
		return e
	}

	switch status {
	case http.StatusBadRequest:
		return NewBadRequest(truncate(body))
	case http.StatusNotFound:
		return NewNotFound(truncate(body))
	default:
		return NewInternal(fmt.Sprintf("upstream returned %d: %s", status, truncate(body)))
	}
}

func truncate(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
