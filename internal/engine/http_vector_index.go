package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPError carries the status line of a failed vector-service call.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("vector service status %d", e.StatusCode)
	}
	return fmt.Sprintf("vector service status %d: %s", e.StatusCode, e.Message)
}

type HTTPVectorIndexOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

// HTTPVectorIndex is a thin client for a remote vector index service. It does
// not retry; transient faults are absorbed by the RetryPolicy wrapped around
// each call by the consistency manager.
type HTTPVectorIndex struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
}

func NewHTTPVectorIndex(opts HTTPVectorIndexOptions) (*HTTPVectorIndex, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPVectorIndex{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}, nil
}

func (v *HTTPVectorIndex) IndexDocument(ctx context.Context, evidenceID string, doc Document, metadata map[string]string) (string, error) {
	if evidenceID == "" {
		return "", ErrInvalidInput
	}
	payload := map[string]any{
		"content":  doc.Content,
		"metadata": mergeMetadata(doc.Metadata, metadata),
	}
	var response struct {
		Ref string `json:"ref"`
	}
	err := v.do(ctx, http.MethodPut, "/v1/documents/"+url.PathEscape(evidenceID), payload, &response)
	if err != nil {
		return "", err
	}
	if response.Ref == "" {
		response.Ref = evidenceID
	}
	return response.Ref, nil
}

func (v *HTTPVectorIndex) DeleteByID(ctx context.Context, evidenceID string) error {
	if evidenceID == "" {
		return ErrInvalidInput
	}
	return v.do(ctx, http.MethodDelete, "/v1/documents/"+url.PathEscape(evidenceID), nil, nil)
}

func (v *HTTPVectorIndex) DeleteByCase(ctx context.Context, caseID string) (int, error) {
	if caseID == "" {
		return 0, ErrInvalidInput
	}
	var response struct {
		Deleted int `json:"deleted"`
	}
	err := v.do(ctx, http.MethodDelete, "/v1/cases/"+url.PathEscape(caseID), nil, &response)
	if err != nil {
		return 0, err
	}
	return response.Deleted, nil
}

func (v *HTTPVectorIndex) CheckConnectivity(ctx context.Context) error {
	return v.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (v *HTTPVectorIndex) do(ctx context.Context, method, path string, payload, out any) error {
	if v == nil {
		return fmt.Errorf("vector index client is nil")
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}
	if v.userAgent != "" {
		req.Header.Set("User-Agent", v.userAgent)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if text, ok := parsed["message"].(string); ok && strings.TrimSpace(text) != "" {
				message = text
			}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}
