package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jaywantadh/chunkrelay/internal/retry"
)

// ErrChunkNotReady means get_chunk answered 404: the chunk has not been
// uploaded yet (or the session is unknown).
var ErrChunkNotReady = errors.New("chunk not available yet")

// TransportError wraps a failure to reach the relay or to read its reply,
// as opposed to an answer the relay chose to give.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "relay unreachable: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Meta is the file description returned by get_meta.
type Meta struct {
	FileName    string
	TotalChunks int
}

// Client represents the HTTP client for the relay API
type Client struct {
	baseURL    string
	password   string
	httpClient *http.Client
}

// NewClient creates a new relay client. An empty password sends no
// credentials.
func NewClient(baseURL, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		password: password,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) actionURL(action Action, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set(FieldAction, string(action))
	return c.baseURL + EndpointRelay + "?" + params.Encode()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if c.password != "" {
		req.SetBasicAuth("relay", c.password)
	}
	return req, nil
}

// do sends req and decodes the JSON envelope. A response with ok=false is
// returned as *RelayError.
func (c *Client) do(req *http.Request) (Response, error) {
	var out Response
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return out, &RelayError{Status: resp.StatusCode, Code: CodeUnexpectedResponse}
		}
		return out, &TransportError{Err: fmt.Errorf("unreadable relay response (%s): %w", resp.Status, err)}
	}
	if !out.OK {
		code := out.Reason
		if code == "" {
			code = out.Error
		}
		return out, &RelayError{Status: resp.StatusCode, Code: code}
	}
	return out, nil
}

func sessionParams(sessionID string) url.Values {
	return url.Values{FieldSessionID: {sessionID}}
}

func chunkParams(sessionID string, index int) url.Values {
	v := sessionParams(sessionID)
	v.Set(FieldChunkIndex, strconv.Itoa(index))
	return v
}

// CreateSession asks the relay for a fresh session id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.actionURL(ActionCreateSession, nil), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// Ready runs the admission check. A capacity rejection is not an error: it
// comes back as ok=false with the reason.
func (c *Client) Ready(ctx context.Context, sessionID string) (bool, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.actionURL(ActionReady, sessionParams(sessionID)), nil)
	if err != nil {
		return false, "", err
	}
	_, err = c.do(req)
	var relayErr *RelayError
	if errors.As(err, &relayErr) && Backpressure(relayErr.Code) {
		return false, relayErr.Code, nil
	}
	if err != nil {
		return false, "", err
	}
	return true, "", nil
}

// UploadChunk sends one chunk as a multipart form.
func (c *Client) UploadChunk(ctx context.Context, sessionID string, index, total int, fileName string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{FieldSessionID, sessionID},
		{FieldChunkIndex, strconv.Itoa(index)},
		{FieldTotalChunks, strconv.Itoa(total)},
		{FieldFileName, fileName},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile(FieldChunk, "blob")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.actionURL(ActionUploadChunk, nil), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	_, err = c.do(req)
	return err
}

// GetMeta fetches the file description. Before chunk 0 arrives the relay
// answers not_found.
func (c *Client) GetMeta(ctx context.Context, sessionID string) (Meta, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.actionURL(ActionGetMeta, sessionParams(sessionID)), nil)
	if err != nil {
		return Meta{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return Meta{}, err
	}
	return Meta{FileName: resp.FileName, TotalChunks: resp.TotalChunks}, nil
}

// GetChunk downloads the raw chunk bytes.
func (c *Client) GetChunk(ctx context.Context, sessionID string, index int) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.actionURL(ActionGetChunk, chunkParams(sessionID, index)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrChunkNotReady
	default:
		out := Response{Error: CodeUnexpectedResponse}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return nil, &RelayError{Status: resp.StatusCode, Code: out.Error}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to read chunk %d: %w", index, err)}
	}
	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return nil, &TransportError{Err: fmt.Errorf("chunk %d truncated: got %d of %d bytes", index, len(data), resp.ContentLength)}
	}
	return data, nil
}

// ConfirmChunk tells the relay the chunk is safely buffered; the relay
// deletes it.
func (c *Client) ConfirmChunk(ctx context.Context, sessionID string, index int) error {
	form := chunkParams(sessionID, index)
	req, err := c.newRequest(ctx, http.MethodPost, c.actionURL(ActionConfirmChunk, nil), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = c.do(req)
	return err
}

// IsCode reports whether err is a relay rejection carrying code.
func IsCode(err error, code string) bool {
	var relayErr *RelayError
	return errors.As(err, &relayErr) && relayErr.Code == code
}

// Transient marks err retryable when it is worth asking again: the relay
// could not be reached, it failed internally (5xx) or it is full. Deliberate
// rejections such as invalid_session or a malformed request stay terminal,
// as does anything after ctx is done.
func Transient(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil {
		return err
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		if Backpressure(relayErr.Code) || relayErr.Status >= http.StatusInternalServerError {
			return retry.Retryable(err)
		}
		return err
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return retry.Retryable(err)
	}
	return err
}
