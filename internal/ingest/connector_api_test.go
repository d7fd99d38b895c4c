package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestAPIConnectorFetch(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"oppHits": []interface{}{
					map[string]interface{}{
						"number":     "GG-2026-001",
						"title":      "Rural Health Initiative",
						"agencyName": "HHS",
						"synopsis": map[string]interface{}{
							"closeDate": "2026-09-30",
						},
					},
					map[string]interface{}{
						// No title: must be counted, not silently dropped.
						"number":     "GG-2026-002",
						"agencyName": "HHS",
					},
				},
			},
		})
	}))
	defer server.Close()

	cfg := SourceConfig{
		ID:         "grants_gov",
		Type:       TypeAPI,
		Endpoint:   server.URL,
		Method:     http.MethodPost,
		QueryParam: "keyword",
		ItemsPath:  "data.oppHits",
		Fields: FieldMap{
			"external_id": {"number"},
			"deadline":    {"synopsis.closeDate"},
		},
	}

	conn := NewAPIConnector(cfg, zap.NewNop())
	result, err := conn.FetchGrants(context.Background(), QueryParams{Query: "health"})
	if err != nil {
		t.Fatal(err)
	}

	if gotBody["keyword"] != "health" {
		t.Errorf("search term not injected into body, got %v", gotBody)
	}
	if result.Found != 2 {
		t.Errorf("expected 2 found, got %d", result.Found)
	}
	if len(result.Grants) != 1 {
		t.Fatalf("expected 1 normalized grant, got %d", len(result.Grants))
	}
	if result.Skipped != 1 || len(result.SkipReasons) != 1 {
		t.Errorf("invalid record must be counted with a reason: skipped=%d reasons=%v", result.Skipped, result.SkipReasons)
	}

	grant := result.Grants[0]
	if grant.ExternalID != "GG-2026-001" {
		t.Errorf("got external id %q", grant.ExternalID)
	}
	if grant.Deadline == nil {
		t.Error("nested closeDate not resolved")
	}
	if grant.ScrapeMetadata.Method != "http" {
		t.Errorf("expected method http, got %q", grant.ScrapeMetadata.Method)
	}
}

func TestAPIConnectorStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "not found is permanent", status: http.StatusNotFound, permanent: true},
		{name: "rate limited is transient", status: http.StatusTooManyRequests, permanent: false},
		{name: "bad gateway is transient", status: http.StatusBadGateway, permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			conn := NewAPIConnector(SourceConfig{ID: "src", Type: TypeAPI, Endpoint: server.URL}, zap.NewNop())
			_, err := conn.FetchGrants(context.Background(), QueryParams{})

			var srcErr *SourceError
			if !errors.As(err, &srcErr) {
				t.Fatalf("expected SourceError, got %v", err)
			}
			if srcErr.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, srcErr.StatusCode)
			}
			if srcErr.Permanent != tt.permanent {
				t.Errorf("expected permanent=%v", tt.permanent)
			}
		})
	}
}

func TestAPIConnectorAuthHeader(t *testing.T) {
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-API-Key")
		_ = json.NewEncoder(w).Encode([]interface{}{})
	}))
	defer server.Close()

	cfg := SourceConfig{
		ID:       "eu_funding",
		Type:     TypeAPI,
		Endpoint: server.URL,
		Auth:     AuthConfig{Type: "api_key", Header: "X-API-Key", Key: "secret123"},
	}

	conn := NewAPIConnector(cfg, zap.NewNop())
	if _, err := conn.FetchGrants(context.Background(), QueryParams{}); err != nil {
		t.Fatal(err)
	}
	if gotHeader != "secret123" {
		t.Errorf("api key header not set, got %q", gotHeader)
	}
}

func TestLocateItems(t *testing.T) {
	payload := map[string]interface{}{
		"results": []interface{}{map[string]interface{}{"id": "1"}},
	}
	if items := locateItems(payload, ""); len(items) != 1 {
		t.Errorf("conventional wrapper key not found: %v", items)
	}

	var list interface{} = []interface{}{map[string]interface{}{"id": "1"}}
	if items := locateItems(list, ""); len(items) != 1 {
		t.Error("bare list payload not accepted")
	}

	if items := locateItems(payload, "missing.path"); items != nil {
		t.Error("missing configured path must yield nil")
	}
}
