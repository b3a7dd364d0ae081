// Package relayerclient is the standalone binary's concrete implementation
// of relayer.Runtime: an HTTP client that talks to the hosting runtime which
// owns the relayer keystore, signing, and submission machinery. Grounded on
// internal/chainrpc's thin http.Client wrapper, since both are "call one
// external HTTP service with a small fixed method set" problems and no
// heavier client library in the retrieved pack fits either better.
package relayerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/channelgate/gateway/internal/relayer"
)

// Client resolves relayer.Handle values backed by a single hosting-runtime
// HTTP endpoint.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New constructs a Client. If httpClient is nil, http.DefaultClient is used.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: httpClient}
}

// UseRelayer resolves id against the hosting runtime. The runtime is
// expected to know whether id names a valid channel or fund account; this
// call performs no local validation and uses id as the path segment as is.
func (c *Client) UseRelayer(ctx context.Context, id string) (relayer.Handle, error) {
	return &handle{client: c, id: id}, nil
}

type handle struct {
	client *Client
	id     string
}

func (h *handle) Info(ctx context.Context) (relayer.Info, error) {
	var out relayer.Info
	err := h.client.call(ctx, "GET", fmt.Sprintf("/relayers/%s", h.id), nil, &out)
	return out, err
}

func (h *handle) SignTransaction(ctx context.Context, innerTxXDR string) (relayer.SignResult, error) {
	var out relayer.SignResult
	body := map[string]any{"xdr": innerTxXDR}
	err := h.client.call(ctx, "POST", fmt.Sprintf("/relayers/%s/sign", h.id), body, &out)
	return out, err
}

func (h *handle) SendTransaction(ctx context.Context, req relayer.SendTransactionRequest) (relayer.SubmitResult, error) {
	var out relayer.SubmitResult
	err := h.client.call(ctx, "POST", fmt.Sprintf("/relayers/%s/send", h.id), req, &out)
	return out, err
}

func (h *handle) TransactionWait(ctx context.Context, submission relayer.SubmitResult, opts relayer.WaitOptions) (relayer.WaitStatus, error) {
	var out relayer.WaitStatus
	body := map[string]any{"submission": submission, "options": opts}
	err := h.client.call(ctx, "POST", fmt.Sprintf("/relayers/%s/wait", h.id), body, &out)
	if err == nil && out.Status == "" {
		return out, relayer.ErrWaitTimeout
	}
	return out, err
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("relayerclient: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("relayerclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("relayerclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("relayerclient: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relayerclient: unexpected status %d: %s", resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("relayerclient: decode response: %w", err)
	}
	return nil
}
