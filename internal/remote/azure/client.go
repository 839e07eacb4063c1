// Package azure implements the remote job contract against the Azure OpenAI
// video generation API (/openai/v1/videos).
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/vidgen-lane/internal/remote"
	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

// Options configures the Azure client.
type Options struct {
	Endpoint       string
	APIKey         string
	HTTPClient     *http.Client
	Logger         *zerolog.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the Azure OpenAI videos API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	// downloadClient 沒有總時限，傳輸由呼叫端 ctx 控制
	downloadClient *http.Client
	logger         zerolog.Logger
}

type videoResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type createPayload struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Size    string `json:"size,omitempty"`
	Seconds string `json:"seconds,omitempty"`
}

var imageMIMETypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// NewClient constructs a client with defaults applied.
func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	apiKey := strings.TrimSpace(opts.APIKey)
	if endpoint == "" || apiKey == "" {
		return nil, remote.ErrMissingCredentials
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("azure: invalid endpoint: %w", err)
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		apiKey:         apiKey,
		baseURL:        NormalizeEndpoint(endpoint),
		httpClient:     httpClient,
		downloadClient: newDownloadClient(httpClient, timeout),
		logger:         logger,
	}, nil
}

// newDownloadClient derives a client whose timeout covers only the response
// headers. Client.Timeout would also cut off a slow body read.
func newDownloadClient(base *http.Client, headerTimeout time.Duration) *http.Client {
	dl := *base
	dl.Timeout = 0
	if base.Transport == nil {
		if def, ok := http.DefaultTransport.(*http.Transport); ok {
			tr := def.Clone()
			tr.ResponseHeaderTimeout = headerTimeout
			dl.Transport = tr
		}
	}
	return &dl
}

// NormalizeEndpoint turns a resource endpoint into the v1 API base URL,
// always ending in "/openai/v1/".
func NormalizeEndpoint(endpoint string) string {
	base := strings.TrimSpace(endpoint)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if !strings.Contains(base, "/openai/") {
		base += "openai/"
	}
	if !strings.HasSuffix(base, "/v1/") {
		base += "v1/"
	}
	return base
}

// BaseURL returns the normalized API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Create submits a text-to-video or image-to-video request.
func (c *Client) Create(ctx context.Context, req remote.CreateRequest) (string, error) {
	var (
		body        io.Reader
		contentType string
		err         error
	)
	switch req.Kind {
	case types.KindImageToVideo:
		body, contentType, err = multipartBody(req)
	default:
		body, contentType, err = jsonBody(req)
	}
	if err != nil {
		return "", &remote.RequestError{Op: "create", Err: err}
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "videos", body)
	if err != nil {
		return "", &remote.RequestError{Op: "create", Err: err}
	}
	httpReq.Header.Set("Content-Type", contentType)

	var decoded videoResponse
	if err := c.doJSON(httpReq, "create", &decoded); err != nil {
		return "", err
	}
	if decoded.ID == "" {
		return "", &remote.RequestError{Op: "create", Err: errors.New("empty video id in response")}
	}
	c.logger.Debug().
		Str("remote_id", decoded.ID).
		Str("model", req.Model).
		Str("kind", string(req.Kind)).
		Msg("azure: video job created")
	return decoded.ID, nil
}

// GetStatus retrieves the current state of a video job.
func (c *Client) GetStatus(ctx context.Context, remoteID string) (remote.Status, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "videos/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return remote.Status{}, &remote.RequestError{Op: "status", Err: err}
	}

	var decoded videoResponse
	if err := c.doJSON(httpReq, "status", &decoded); err != nil {
		return remote.Status{}, err
	}

	st := remote.Status{
		State:    remote.State(decoded.Status),
		Progress: decoded.Progress,
	}
	switch st.State {
	case remote.StateCompleted:
		st.ResultRef = decoded.ID
		if st.ResultRef == "" {
			st.ResultRef = remoteID
		}
	case remote.StateFailed:
		if decoded.Error != nil {
			st.ErrorMessage = decoded.Error.Message
		}
	}
	return st, nil
}

// Download streams the finished video content.
func (c *Client) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "videos/"+url.PathEscape(remoteID)+"/content?variant=video", nil)
	if err != nil {
		return nil, &remote.DownloadError{RemoteID: remoteID, Err: err}
	}
	resp, err := c.downloadClient.Do(httpReq)
	if err != nil {
		return nil, &remote.DownloadError{RemoteID: remoteID, Err: err}
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &remote.DownloadError{RemoteID: remoteID, Err: errorFromBody(resp.StatusCode, raw)}
	}
	return resp.Body, nil
}

// Ping lists a single video to verify endpoint and credentials.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "videos?limit=1", nil)
	if err != nil {
		return &remote.RequestError{Op: "ping", Err: err}
	}
	var discard json.RawMessage
	return c.doJSON(httpReq, "ping", &discard)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("azure: build request: %w", err)
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) doJSON(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &remote.RequestError{Op: op, Temporary: req.Context().Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &remote.RequestError{Op: op, StatusCode: resp.StatusCode, Temporary: true, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return &remote.RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Temporary:  isTemporaryStatus(resp.StatusCode),
			Err:        errorFromBody(resp.StatusCode, raw),
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &remote.RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func isTemporaryStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func errorFromBody(code int, raw []byte) error {
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Error.Message != "" {
		if detail.Error.Code != "" {
			return fmt.Errorf("%s (%s)", detail.Error.Message, detail.Error.Code)
		}
		return errors.New(detail.Error.Message)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		text = http.StatusText(code)
	}
	return fmt.Errorf("status %d: %s", code, text)
}

func jsonBody(req remote.CreateRequest) (io.Reader, string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, "", fmt.Errorf("prompt is required for text-to-video: %w", remote.ErrValidation)
	}
	payload := createPayload{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Size:    req.Resolution,
		Seconds: seconds(req.Duration),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}
	return bytes.NewReader(data), "application/json", nil
}

func multipartBody(req remote.CreateRequest) (io.Reader, string, error) {
	if req.ImagePath == "" {
		return nil, "", fmt.Errorf("image path is required for image-to-video: %w", remote.ErrValidation)
	}
	image, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, "", fmt.Errorf("read source image: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"model", req.Model},
		{"prompt", req.Prompt},
		{"size", req.Resolution},
		{"seconds", seconds(req.Duration)},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}

	mimeType, ok := imageMIMETypes[strings.ToLower(filepath.Ext(req.ImagePath))]
	if !ok {
		mimeType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="input_reference"; filename=%q`, filepath.Base(req.ImagePath)))
	header.Set("Content-Type", mimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write image part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func seconds(d int) string {
	if d <= 0 {
		return ""
	}
	return strconv.Itoa(d)
}

var (
	_ remote.Client = (*Client)(nil)
	_ remote.Pinger = (*Client)(nil)
)
