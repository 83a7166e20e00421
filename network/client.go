package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"lansend/security"
)

const (
	chunkRetryInitialInterval = 100 * time.Millisecond
	chunkRetryMultiplier      = 4
	chunkRetryMaxInterval     = 2 * time.Second
	// chunkMaxRetries is the retry count after the first attempt, giving
	// waits of 100 ms, 400 ms and 1.6 s.
	chunkMaxRetries = 3

	// sendRequestTimeout must outlive the receiver's confirmation window.
	sendRequestTimeout = ConfirmationTimeout + DefaultRequestTimeout
)

// Client performs outbound protocol calls against one peer endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	onRetry    func(err error, delay time.Duration)
}

// ClientOptions configures a per-peer client.
type ClientOptions struct {
	// Security provides the local certificate and the pin check for the peer.
	Security *security.Store
	IP       string
	Port     int
	// PlainHTTP disables TLS for peers that advertise uses_https=false.
	PlainHTTP bool
	// OnRetry observes chunk-upload retries.
	OnRetry func(err error, delay time.Duration)
}

// NewClient builds a client that dials ip:port and verifies the presented
// certificate against the pin map.
func NewClient(options ClientOptions) (*Client, error) {
	if options.Security == nil {
		return nil, errors.New("security store is required")
	}
	if options.IP == "" {
		return nil, errors.New("peer ip is required")
	}
	if options.Port <= 0 || options.Port > 65535 {
		return nil, fmt.Errorf("invalid peer port %d", options.Port)
	}

	scheme := "https"
	transport := &http.Transport{
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: DefaultRequestTimeout,
	}
	if options.PlainHTTP {
		scheme = "http"
	} else {
		tlsConfig, err := security.ClientTLSConfig(options.Security, options.IP, options.Port)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL:    scheme + "://" + security.Endpoint(options.IP, options.Port),
		httpClient: &http.Client{Transport: transport},
		onRetry:    options.OnRetry,
	}, nil
}

// FetchInfo queries the peer's identity.
func (c *Client) FetchInfo(ctx context.Context) (*InfoResponse, error) {
	status, statusText, payload, err := c.roundTrip(ctx, http.MethodGet, RouteInfo, DefaultRequestTimeout, "", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch info: %w", err)
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Status: statusText, Endpoint: RouteInfo}
	}

	var info InfoResponse
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("decode info response: %w", err)
	}
	return &info, nil
}

// SendRequest offers files to the peer and waits for its decision. A 4xx
// answer means the recipient declined and is reported as ErrRejected.
func (c *Client) SendRequest(ctx context.Context, request SendRequestBody) (*SendResponseBody, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode send request: %w", err)
	}

	status, statusText, payload, err := c.roundTrip(ctx, http.MethodPost, RouteSendRequest, sendRequestTimeout, "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("post send request: %w", err)
	}
	switch {
	case status == http.StatusOK:
	case status >= 400 && status < 500:
		return nil, fmt.Errorf("%w (%s)", ErrRejected, statusText)
	default:
		return nil, &StatusError{StatusCode: status, Status: statusText, Endpoint: RouteSendRequest}
	}

	var response SendResponseBody
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	return &response, nil
}

// UploadChunk posts one chunk, retrying transient failures with exponential
// backoff. 4xx answers are final.
func (c *Client) UploadChunk(ctx context.Context, sessionID, fileID string, chunkIndex int, token string, chunk []byte) error {
	query := url.Values{}
	query.Set("session_id", sessionID)
	query.Set("file_id", fileID)
	query.Set("chunk_index", strconv.Itoa(chunkIndex))
	query.Set("token", token)
	route := RouteUpload + "?" + query.Encode()

	operation := func() error {
		status, statusText, _, err := c.roundTrip(ctx, http.MethodPost, route, DefaultRequestTimeout, "application/octet-stream", chunk)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("upload chunk %d of %q: %w", chunkIndex, fileID, err)
		}
		if status == http.StatusOK {
			return nil
		}

		statusErr := &StatusError{StatusCode: status, Status: statusText, Endpoint: RouteUpload}
		if !statusErr.Temporary() {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}

	notify := func(err error, delay time.Duration) {
		if c.onRetry != nil {
			c.onRetry(err, delay)
		}
	}
	return backoff.RetryNotify(operation, backoff.WithContext(newChunkBackOff(), ctx), notify)
}

// Cancel tells the peer to drop the session. Best-effort: any HTTP answer
// counts as delivered.
func (c *Client) Cancel(ctx context.Context, wireSessionID string) error {
	body, err := json.Marshal(CancelRequestBody{TransferID: wireSessionID})
	if err != nil {
		return fmt.Errorf("encode cancel request: %w", err)
	}
	if _, _, _, err := c.roundTrip(ctx, http.MethodPost, RouteCancel, DefaultRequestTimeout, "application/json", body); err != nil {
		return fmt.Errorf("post cancel: %w", err)
	}
	return nil
}

// Connect performs the pairing exchange against the peer's auth code.
func (c *Client) Connect(ctx context.Context, request ConnectRequestBody) (*ConnectResponseBody, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode connect request: %w", err)
	}

	status, statusText, payload, err := c.roundTrip(ctx, http.MethodPost, RouteConnect, DefaultRequestTimeout, "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("post connect: %w", err)
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Status: statusText, Endpoint: RouteConnect}
	}

	var response ConnectResponseBody
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("decode connect response: %w", err)
	}
	return &response, nil
}

// roundTrip sends one request and returns the fully read response.
func (c *Client) roundTrip(ctx context.Context, method, route string, timeout time.Duration, contentType string, body []byte) (int, string, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+route, reader)
	if err != nil {
		return 0, "", nil, fmt.Errorf("build %s request: %w", route, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("read %s response: %w", route, err)
	}
	return resp.StatusCode, resp.Status, payload, nil
}

func newChunkBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = chunkRetryInitialInterval
	policy.RandomizationFactor = 0
	policy.Multiplier = chunkRetryMultiplier
	policy.MaxInterval = chunkRetryMaxInterval
	policy.MaxElapsedTime = 0
	return backoff.WithMaxRetries(policy, chunkMaxRetries)
}
