package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/KevinKickass/OpenScheduleCore/internal/types"
	"go.uber.org/zap"
)

const apiVersion = "/v1"

// Client talks to the cloud REST API on behalf of the signed-in user.
type Client struct {
	baseURL    string
	pageSize   int
	httpClient *http.Client
	tokens     TokenSource
	logger     *zap.Logger
}

func NewClient(cfg config.CloudConfig, tokens TokenSource, logger *zap.Logger) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		pageSize: pageSize,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens: tokens,
		logger: logger,
	}
}

// response is the envelope of write calls.
type response struct {
	Status      string `json:"status"`
	Description string `json:"description"`
}

// GetNodes fetches every node of the account, following next_id until the
// last page.
func (c *Client) GetNodes(ctx context.Context) ([]types.Node, error) {
	var all []types.Node
	startID := ""
	for {
		q := url.Values{}
		q.Set("node_details", "true")
		q.Set("num_records", strconv.Itoa(c.pageSize))
		if startID != "" {
			q.Set("start_id", startID)
		}

		body, err := c.get(ctx, "/user/nodes", q)
		if err != nil {
			return nil, err
		}
		nodes, nextID, err := ParseNodes(body)
		if err != nil {
			return nil, err
		}
		all = append(all, nodes...)

		if nextID == "" || nextID == startID {
			break
		}
		startID = nextID
	}

	c.logger.Debug("Fetched nodes from cloud", zap.Int("count", len(all)))
	return all, nil
}

// GetNode fetches a single node with its config, status and params.
func (c *Client) GetNode(ctx context.Context, nodeID string) (types.Node, error) {
	q := url.Values{}
	q.Set("node_details", "true")
	q.Set("node_id", nodeID)

	body, err := c.get(ctx, "/user/nodes", q)
	if err != nil {
		return types.Node{}, err
	}
	nodes, _, err := ParseNodes(body)
	if err != nil {
		return types.Node{}, err
	}
	if len(nodes) == 0 {
		return types.Node{}, &ServerError{StatusCode: http.StatusNotFound, Description: "node " + nodeID + " not found"}
	}
	return nodes[0], nil
}

// SetNodeParams writes payload to the node's params.
func (c *Client) SetNodeParams(ctx context.Context, nodeID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}

	q := url.Values{}
	q.Set("nodeid", nodeID)

	req, err := c.newRequest(ctx, http.MethodPut, "/user/nodes/params", q, bytes.NewReader(data))
	if err != nil {
		return err
	}

	body, status, err := c.do(req)
	if err != nil {
		return err
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		if status >= 200 && status < 300 && len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if status < 200 || status >= 300 {
			return &ServerError{StatusCode: status}
		}
		return &ParsingError{Description: err.Error()}
	}
	if status < 200 || status >= 300 || strings.EqualFold(resp.Status, "failure") {
		return &ServerError{StatusCode: status, Description: resp.Description}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		var resp response
		_ = json.Unmarshal(body, &resp)
		return nil, &ServerError{StatusCode: status, Description: resp.Description}
	}
	return body, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrNoNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: reading response: %v", ErrNoNetwork, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, ErrEmptyToken
	}
	return body, resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + apiVersion + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}
