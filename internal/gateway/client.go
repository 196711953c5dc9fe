package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/pkg/types"
)

// Client is the gateway's HTTP client for the memory service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds the backend client with the configured connect and
// per-request timeouts.
func NewClient(cfg *config.GatewayConfig) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Client{
		baseURL: strings.TrimRight(cfg.MemoryServiceURL, "/"),
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: cfg.ConnectTimeout,
			},
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "failed to encode request", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, "memory service unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		var envelope struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(res.Body).Decode(&envelope)
		if envelope.Detail == "" {
			envelope.Detail = fmt.Sprintf("memory service returned %d", res.StatusCode)
		}
		code := apperr.Code(res.Header.Get("X-Error-Code"))
		if code == "" {
			code = apperr.CodeInternal
		}
		return apperr.New(code, envelope.Detail)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to decode response", err)
	}
	return nil
}

// AddMemories submits one chunk of conversation text.
func (c *Client) AddMemories(ctx context.Context, req *types.AddRequest) (*types.AddResponse, error) {
	var out types.AddResponse
	if err := c.do(ctx, http.MethodPost, "/memories", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs owner-scoped semantic search.
func (c *Client) Search(ctx context.Context, req *types.SearchRequest) (*types.SearchResponse, error) {
	var out types.SearchResponse
	if err := c.do(ctx, http.MethodPost, "/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAll lists every memory of the project scope.
func (c *Client) GetAll(ctx context.Context, userID string) ([]types.Memory, error) {
	var out struct {
		Results []types.Memory `json:"results"`
	}
	path := "/memories?user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// DeleteMemory removes one memory.
func (c *Client) DeleteMemory(ctx context.Context, memoryID, userID string) error {
	path := fmt.Sprintf("/memories/%s?user_id=%s", url.PathEscape(memoryID), url.QueryEscape(userID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// GetHistory returns a memory's event trail.
func (c *Client) GetHistory(ctx context.Context, memoryID, userID string) ([]types.HistoryEvent, error) {
	var out struct {
		History []types.HistoryEvent `json:"history"`
	}
	path := fmt.Sprintf("/memories/%s/history?user_id=%s", url.PathEscape(memoryID), url.QueryEscape(userID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// LinkMemories creates a typed relation between two memories.
func (c *Client) LinkMemories(ctx context.Context, fromID, toID, relation, userID string) error {
	return c.do(ctx, http.MethodPost, "/graph/link", map[string]string{
		"from_id":  fromID,
		"to_id":    toID,
		"relation": relation,
		"user_id":  userID,
	}, nil)
}

// GetRelated traverses the graph around one memory.
func (c *Client) GetRelated(ctx context.Context, memoryID, userID string, depth int) (json.RawMessage, error) {
	path := fmt.Sprintf("/graph/related/%s?user_id=%s&depth=%d",
		url.PathEscape(memoryID), url.QueryEscape(userID), depth)
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Intelligence fetches the full graph analysis.
func (c *Client) Intelligence(ctx context.Context, userID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/graph/intelligence?user_id="+url.QueryEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateComponent upserts a component node.
func (c *Client) CreateComponent(ctx context.Context, name, kind string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodPost, "/graph/component", map[string]string{
		"name": name, "kind": kind,
	}, &out)
	return out, err
}

// LinkComponentDependency records a DEPENDS_ON edge between components.
func (c *Client) LinkComponentDependency(ctx context.Context, from, to string) error {
	return c.do(ctx, http.MethodPost, "/graph/component/dependency", map[string]string{
		"from": from, "to": to,
	}, nil)
}

// ComponentImpact analyzes the blast radius of changing a component.
func (c *Client) ComponentImpact(ctx context.Context, name string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/graph/component/"+url.PathEscape(name)+"/impact", nil, &out)
	return out, err
}

// CreateDecision records a decision, optionally justified by a memory.
func (c *Client) CreateDecision(ctx context.Context, req map[string]interface{}) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodPost, "/graph/decision", req, &out)
	return out, err
}

// DecisionRationale fetches a decision with its justifying memories.
func (c *Client) DecisionRationale(ctx context.Context, decisionID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/graph/decision/"+url.PathEscape(decisionID), nil, &out)
	return out, err
}

// Health probes the memory service.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
