package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"careportal/internal/config"
	"careportal/internal/domain"
	"careportal/internal/metrics"
	"careportal/pkg/logger"
)

// APIError is a non-2xx response from GoTrue or PostgREST
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase returned status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase returned status %d: %s", e.Status, e.Message)
}

// Unwrap classifies server-side failures as provider unavailability
func (e *APIError) Unwrap() error {
	if e.Status >= http.StatusInternalServerError {
		return domain.ErrProviderUnavailable
	}
	return nil
}

// errorBody covers both GoTrue error shapes and PostgREST errors
type errorBody struct {
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	ErrorCode        string          `json:"error_code"`
	Code             json.RawMessage `json:"code"`
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		apiErr.Message = string(body)
		return apiErr
	}

	switch {
	case eb.Msg != "":
		apiErr.Message = eb.Msg
	case eb.ErrorDescription != "":
		apiErr.Message = eb.ErrorDescription
	case eb.Message != "":
		apiErr.Message = eb.Message
	default:
		apiErr.Message = eb.Error
	}

	switch {
	case eb.ErrorCode != "":
		apiErr.Code = eb.ErrorCode
	case len(eb.Code) > 0 && eb.Code[0] == '"':
		_ = json.Unmarshal(eb.Code, &apiErr.Code)
	case eb.Error != "" && eb.ErrorDescription != "":
		apiErr.Code = eb.Error
	}

	return apiErr
}

// Request describes one call to the Supabase API
type Request struct {
	// Operation labels logs and metrics
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Body      interface{}
	// Token authorises the call as a user; nil uses the anon key
	Token  *oauth2.Token
	Header http.Header
}

// SupabaseClient handles all HTTP interactions with Supabase
type SupabaseClient struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewSupabaseClient creates a new Supabase client bounded by the provider timeout
func NewSupabaseClient(cfg *config.Config, logger *logger.Logger) *SupabaseClient {
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SupabaseClient{
		baseURL: cfg.SupabaseURL,
		anonKey: cfg.SupabaseAnonKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// HTTPClient exposes the underlying client for oauth2 contexts
func (s *SupabaseClient) HTTPClient() *http.Client {
	return s.httpClient
}

// Do sends req and decodes a 2xx JSON body into out, if out is non-nil.
// Transport failures wrap domain.ErrProviderUnavailable; other non-2xx
// responses are returned as *APIError.
func (s *SupabaseClient) Do(ctx context.Context, req Request, out interface{}) error {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.ObserveIdentityRequest(req.Operation, status, start)
	}()

	var body io.Reader
	if req.Body != nil {
		jsonBody, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	endpoint := s.baseURL + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("apikey", s.anonKey)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != nil && req.Token.AccessToken != "" {
		req.Token.SetAuthHeader(httpReq)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+s.anonKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.WithError(err).WithField("operation", req.Operation).Warn("Supabase request failed")
		return fmt.Errorf("%w: %s: %v", domain.ErrProviderUnavailable, req.Operation, err)
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", domain.ErrProviderUnavailable, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"operation":   req.Operation,
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Supabase request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"operation":   req.Operation,
			"status_code": resp.StatusCode,
		}).Error("Failed to parse Supabase response")
		return fmt.Errorf("failed to parse Supabase response: %w", err)
	}
	return nil
}
