package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// maxBodyBytes caps response reads so a misbehaving source cannot exhaust
// memory.
const maxBodyBytes = 10 << 20

// newHTTPClient builds a client with a per-source timeout and a bounded,
// scheme-checked redirect policy.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("redirect scheme %q blocked", req.URL.Scheme)
			}
			return nil
		},
	}
}

// fetchBody issues the request and returns the response body. Non-2xx
// statuses come back as a *SourceError so the retry layer can classify them;
// 4xx other than 429 is marked permanent.
func fetchBody(ctx context.Context, client *http.Client, cfg SourceConfig, method, rawURL string, body []byte, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, &SourceError{Source: cfg.ID, Permanent: true, Err: err}
	}

	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "application/json, application/xml, text/html;q=0.9, */*;q=0.8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, cfg.Auth)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &SourceError{Source: cfg.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		permanent := resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests
		return nil, &SourceError{
			Source:     cfg.ID,
			StatusCode: resp.StatusCode,
			Permanent:  permanent,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &SourceError{Source: cfg.ID, Err: fmt.Errorf("reading body: %w", err)}
	}
	return data, nil
}

// applyAuth sets request credentials per the source's declared auth style.
func applyAuth(req *http.Request, auth AuthConfig) {
	switch auth.Type {
	case "api_key", "app_token":
		header := auth.Header
		if header == "" {
			header = "X-Api-Key"
		}
		if auth.Key != "" {
			req.Header.Set(header, auth.Key)
		}
	case "bearer":
		if auth.Key != "" {
			req.Header.Set("Authorization", "Bearer "+auth.Key)
		}
	case "basic":
		if auth.Username != "" {
			req.SetBasicAuth(auth.Username, auth.Password)
		}
	}
}

// buildRequestURL merges the configured static query with the caller's
// search term (when the source declares a query_param slot).
func buildRequestURL(cfg SourceConfig, params QueryParams) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", &SourceError{Source: cfg.ID, Permanent: true, Err: fmt.Errorf("invalid endpoint: %w", err)}
	}

	q := u.Query()
	for k, v := range cfg.Query {
		q.Set(k, v)
	}
	if cfg.QueryParam != "" && params.Query != "" && cfg.Method != http.MethodPost {
		q.Set(cfg.QueryParam, params.Query)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildRequestBody produces the JSON body for POST sources, injecting the
// search term into the configured query_param slot.
func buildRequestBody(cfg SourceConfig, params QueryParams) ([]byte, error) {
	if cfg.Method != http.MethodPost {
		return nil, nil
	}

	body := make(map[string]interface{}, len(cfg.Body)+1)
	for k, v := range cfg.Body {
		body[k] = v
	}
	if cfg.QueryParam != "" {
		body[cfg.QueryParam] = params.Query
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &SourceError{Source: cfg.ID, Permanent: true, Err: fmt.Errorf("marshaling request body: %w", err)}
	}
	return data, nil
}
