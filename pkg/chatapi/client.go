package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
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

	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/security"
	"chatsync/internal/tracing"
	"chatsync/pkg/chatapi/types"
	"chatsync/pkg/constants"
	"chatsync/pkg/media"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// TokenSource supplies bearer tokens. Refresh is called once after a 401.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	UserID() string
}

type Client interface {
	History(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	PinnedMessages(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	Search(ctx context.Context, key models.ConversationKey, keyword string) ([]models.Message, error)
	Upload(ctx context.Context, key models.ConversationKey, paths []string) ([]string, error)
}

type ClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	// UploadTimeout bounds a whole upload request; 0 uses the default
	UploadTimeout time.Duration
	Logger        *logrus.Logger
}

type ChatClient struct {
	baseURL       string
	tokens        TokenSource
	client        *http.Client
	uploadTimeout time.Duration
	logger        *logrus.Logger
}

func NewClient(cfg ClientConfig) *ChatClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = time.Duration(constants.DefaultUploadTimeoutSec) * time.Second
	}

	return &ChatClient{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		tokens:        cfg.Tokens,
		client:        httpClient,
		uploadTimeout: uploadTimeout,
		logger:        logger,
	}
}

// History fetches the full ordered history of a conversation
func (c *ChatClient) History(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	endpoint := types.EndpointHistory + url.PathEscape(key.ID)
	if key.IsGroup {
		endpoint = types.EndpointGroupHistory + url.PathEscape(key.ID)
	}

	var wire []types.WireMessage
	if err := c.getJSON(ctx, "history", endpoint, &wire); err != nil {
		return nil, err
	}
	return types.ToMessages(wire), nil
}

// PinnedMessages fetches the server pinned list, keeping only entries the
// server flags pinned.
func (c *ChatClient) PinnedMessages(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	params := c.conversationParams(key)

	var wire []types.WireMessage
	if err := c.getJSON(ctx, "pinned", types.EndpointPinned+"?"+params.Encode(), &wire); err != nil {
		return nil, err
	}

	pinned := make([]models.Message, 0, len(wire))
	for _, m := range types.ToMessages(wire) {
		if m.IsPinned {
			pinned = append(pinned, m)
		}
	}
	return pinned, nil
}

// Search runs a server-side keyword search within a conversation
func (c *ChatClient) Search(ctx context.Context, key models.ConversationKey, keyword string) ([]models.Message, error) {
	params := c.conversationParams(key)
	params.Set("keyword", keyword)

	var wire []types.WireMessage
	if err := c.getJSON(ctx, "search", types.EndpointSearch+"?"+params.Encode(), &wire); err != nil {
		return nil, err
	}
	return types.ToMessages(wire), nil
}

// Upload posts files as one multipart request and returns one url per
// input path, in the same order.
func (c *ChatClient) Upload(ctx context.Context, key models.ConversationKey, paths []string) ([]string, error) {
	for _, p := range paths {
		if err := security.ValidateFilePath(p); err != nil {
			return nil, errors.NewValidationError("path", p, err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	build := func(ctx context.Context, token string) (*http.Request, error) {
		body, contentType, err := c.multipartBody(key, paths)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+types.EndpointUpload, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		setAuth(req, token)
		return req, nil
	}

	data, err := c.do(ctx, "upload", types.EndpointUpload, build)
	if err != nil {
		return nil, err
	}

	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to decode upload response")
	}
	if len(urls) != len(paths) {
		return nil, errors.New(errors.ErrCodeInternalError, "upload returned a different number of urls than files").
			WithContext("files", len(paths)).
			WithContext("urls", len(urls))
	}
	return urls, nil
}

func (c *ChatClient) multipartBody(key models.ConversationKey, paths []string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, p := range paths {
		if err := addFilePart(writer, p); err != nil {
			return nil, "", err
		}
	}

	field := "receiverId"
	if key.IsGroup {
		field = "groupId"
	}
	if err := writer.WriteField(field, key.ID); err != nil {
		return nil, "", fmt.Errorf("failed to write %s field: %w", field, err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

func addFilePart(writer *multipart.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.NewValidationError("path", path, "file cannot be opened")
	}
	defer file.Close()

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filepath.Base(path))))
	header.Set("Content-Type", media.ContentTypeOf(path))

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	return nil
}

func (c *ChatClient) conversationParams(key models.ConversationKey) url.Values {
	params := url.Values{}
	if key.IsGroup {
		params.Set("otherUserId", c.tokens.UserID())
		params.Set("groupId", key.ID)
	} else {
		params.Set("otherUserId", key.ID)
	}
	return params
}

func (c *ChatClient) getJSON(ctx context.Context, op, endpoint string, dst interface{}) error {
	build := func(ctx context.Context, token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		setAuth(req, token)
		return req, nil
	}

	data, err := c.do(ctx, op, endpoint, build)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to decode response").
			WithContext("endpoint", endpoint)
	}
	return nil
}

type requestBuilder func(ctx context.Context, token string) (*http.Request, error)

// do sends the request built by build. A 401 triggers one token refresh and
// one retry; a second 401 means the user has to sign in again.
func (c *ChatClient) do(ctx context.Context, op, endpoint string, build requestBuilder) (data []byte, err error) {
	ctx, span := tracing.StartSpan(ctx, "chatapi."+op, attribute.String("endpoint", pathOnly(endpoint)))
	start := time.Now()
	defer func() {
		tracing.EndSpan(span, err)
		metrics.RecordTimer("chatapi_request_duration", time.Since(start), map[string]string{"op": op}, "Backend request latency")
		if err != nil {
			metrics.IncrementCounter("chatapi_request_errors_total", map[string]string{"op": op, "code": string(errors.GetCode(err))}, "Failed backend requests")
		}
	}()

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	status, data, err := c.send(ctx, endpoint, build, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		c.logger.WithField("endpoint", pathOnly(endpoint)).Debug("Access token rejected, refreshing")
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeAuthentication, "token refresh failed").
				WithUserMessage("Session expired, please sign in again")
		}
		status, data, err = c.send(ctx, endpoint, build, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, errors.NewAuthError("re-authentication required").WithContext("endpoint", pathOnly(endpoint))
		}
	}

	if status < 200 || status > 299 {
		return nil, errors.FromHTTPStatus(types.ServiceName, pathOnly(endpoint), status, errorBody(data))
	}
	return data, nil
}

func (c *ChatClient) send(ctx context.Context, endpoint string, build requestBuilder, token string) (int, []byte, error) {
	req, err := build(ctx, token)
	if err != nil {
		return 0, nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, errors.NewNetworkError(pathOnly(endpoint), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, errors.NewNetworkError(pathOnly(endpoint), fmt.Errorf("failed to read response body: %w", err))
	}

	c.logger.WithFields(logrus.Fields{
		"endpoint": pathOnly(endpoint),
		"status":   resp.StatusCode,
		"bytes":    len(data),
	}).Debug("Backend response")
	return resp.StatusCode, data, nil
}

const maxResponseBytes = 32 * constants.BytesPerMegabyte

func setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func errorBody(data []byte) string {
	var resp types.ErrorResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.Message != "" {
		return resp.Message
	}
	const maxLen = 256
	if len(data) > maxLen {
		return string(data[:maxLen]) + "...(" + strconv.Itoa(len(data)) + " bytes)"
	}
	return string(data)
}

func pathOnly(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(s)
}
