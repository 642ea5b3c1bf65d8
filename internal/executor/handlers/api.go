package handlers

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

	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/tracing"
)

// API performs an outbound HTTP call described by params (already
// resolved by the resolver: url, headers, and body arrive with every
// {{...}} reference substituted, so this handler does no interpolation
// of its own).
type API struct {
	client *http.Client
}

func NewAPI() *API {
	return &API{client: &http.Client{}}
}

const defaultAPITimeout = 30 * time.Second

func (a *API) Invoke(ctx context.Context, in Input) (Output, error) {
	rawURL, err := paramString(in.Params, "url")
	if err != nil {
		return Output{}, err
	}

	method := "GET"
	if m, ok := in.Params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !isValidHTTPMethod(method) {
		return Output{}, errs.Newf(errs.BlockFailed, in.BlockID, "invalid HTTP method: %s", method)
	}

	if err := validatePublicURL(rawURL); err != nil {
		return Output{}, errs.Wrap(errs.BlockFailed, in.BlockID, err)
	}

	timeout := defaultAPITimeout
	if secs, ok := in.Params["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body, ok := in.Params["body"]; ok && body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Output{}, errs.Wrap(errs.BlockFailed, in.BlockID, fmt.Errorf("encode request body: %w", err))
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return Output{}, errs.Wrap(errs.BlockFailed, in.BlockID, fmt.Errorf("build request: %w", err))
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := in.Params["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	// Carry the run's trace context across the HTTP boundary so the
	// upstream service's spans join this run's trace.
	carrier := map[string]string{}
	tracing.InjectTraceContext(reqCtx, carrier)
	for k, v := range carrier {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Output{}, errs.Wrap(errs.BlockFailed, in.BlockID, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, errs.Wrap(errs.BlockFailed, in.BlockID, fmt.Errorf("read response: %w", err))
	}

	var parsedBody interface{}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(respBody, &parsedBody); err != nil {
			parsedBody = string(respBody)
		}
	} else {
		parsedBody = string(respBody)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		respHeaders[key] = resp.Header.Get(key)
	}

	data := map[string]interface{}{
		"statusCode": resp.StatusCode,
		"headers":    respHeaders,
		"body":       parsedBody,
	}

	if resp.StatusCode >= 400 {
		return Output{Data: data}, &errs.Error{
			Kind:           errs.BlockFailed,
			BlockID:        in.BlockID,
			Message:        fmt.Sprintf("upstream returned status %d", resp.StatusCode),
			Classification: errs.ClassifyHTTPStatusCode(resp.StatusCode),
		}
	}

	return Output{Data: data}, nil
}

func (a *API) Classify(err error) errs.Classification {
	if e, ok := errs.As(err); ok && e.Classification != errs.Unknown {
		return e.Classification
	}
	return DefaultClassify(err)
}

func isValidHTTPMethod(method string) bool {
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
		return true
	default:
		return false
	}
}

func validatePublicURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url is missing a host")
	}
	return nil
}
