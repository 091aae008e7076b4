package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Config configures the issuing platform client.
type Config struct {
	BaseURL      string
	AppToken     string
	AccessToken  string
	Timeout      time.Duration
	MaxRetries   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// Client talks to the card-issuing platform. Build one per process and pass it
// to every component that needs it.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// New creates a client with Basic credential framing and bounded exponential
// backoff for transport failures, throttling and 5xx answers.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 200 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 5 * time.Second
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.AppToken, cfg.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetLogger(restyLogger{logger}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return resp != nil && transientStatus(resp.StatusCode())
		})

	return &Client{http: rc, logger: logger}
}

// call performs one request and decodes a T, validating it at the boundary.
func call[T any](ctx context.Context, c *Client, method, path string, body any, query map[string]string) (*T, error) {
	var out T
	req := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorBody{})
	if body != nil {
		req.SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("issuer %s %s: %w", method, path, ctxErr)
		}
		return nil, &APIError{Method: method, Path: path, Message: err.Error(), Transient: true, cause: err}
	}

	if resp.IsError() {
		apiErr := &APIError{
			Method:    method,
			Path:      path,
			Status:    resp.StatusCode(),
			Transient: transientStatus(resp.StatusCode()),
		}
		if eb, ok := resp.Error().(*errorBody); ok && eb != nil && (eb.ErrorCode != "" || eb.ErrorMessage != "") {
			apiErr.Code = eb.ErrorCode
			apiErr.Message = eb.ErrorMessage
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
		return nil, apiErr
	}

	if v, ok := any(&out).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("issuer %s %s: %w", method, path, err)
		}
	}
	return &out, nil
}

type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...interface{}) {
	r.l.Error(fmt.Sprintf(format, v...), "component", "issuer_http")
}

func (r restyLogger) Warnf(format string, v ...interface{}) {
	r.l.Warn(fmt.Sprintf(format, v...), "component", "issuer_http")
}

func (r restyLogger) Debugf(format string, v ...interface{}) {
	r.l.Debug(fmt.Sprintf(format, v...), "component", "issuer_http")
}
