package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/retry"
	"github.com/roach88/warden/internal/tracing"
)

const tokenTTL = time.Minute

// Remote asks an authority service over HTTP. Every call is bounded by the
// configured timeout and retried a bounded number of times. Any failure to
// get an answer is returned as an error, which callers treat as a denial.
type Remote struct {
	baseURL string
	secret  []byte
	timeout time.Duration
	retries int
	client  *http.Client
}

// NewRemote validates cfg and creates the provider.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.URL == "" {
		return nil, errors.New("remote policy provider: url is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("remote policy provider: secret is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Remote{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		secret:  []byte(cfg.Secret),
		timeout: cfg.Timeout,
		retries: max(cfg.Retries, 0),
		client:  client,
	}, nil
}

func (r *Remote) CheckAuthorization(ctx context.Context, req Request) (Decision, error) {
	var d Decision
	if err := r.post(ctx, PathAuthorize, req, &d); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (r *Remote) GetChainTemplate(ctx context.Context, formKey, tenantID string, attrs ir.Object) (*ir.ChainTemplate, error) {
	var ans TemplateAnswer
	q := TemplateQuery{FormKey: formKey, TenantID: tenantID, Context: attrs}
	if err := r.post(ctx, PathChainTemplates, q, &ans); err != nil {
		return nil, err
	}
	return ans.Template, nil
}

func (r *Remote) WriteAuditEvent(ctx context.Context, ev ir.AuditEvent) error {
	var ack AuditAck
	return r.post(ctx, PathAuditEvents, ev, &ack)
}

// statusError is a non-2xx answer from the authority.
type statusError struct {
	status  int
	code    string
	message string
}

func (e *statusError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("authority returned %d %s: %s", e.status, e.code, e.message)
	}
	return fmt.Sprintf("authority returned %d", e.status)
}

// retryable: transport failures, timeouts, 429 and 5xx. Other 4xx answers
// will not change on retry.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func (r *Remote) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("remote policy %s: encode: %w", path, err)
	}

	ctx, span := tracing.StartClient(ctx, "policy.remote")
	span.Set("path", path)

	cfg := retry.Config{
		MaxAttempts:  r.retries + 1,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}
	_, err = retry.Do(ctx, cfg, "policy "+path, retryable, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.do(callCtx, path, body, out)
	})
	span.End(err)
	if err != nil {
		slog.Warn("policy provider unavailable", "path", path, "error", err)
		code := ir.CodeUnauthorized
		if errors.Is(err, context.DeadlineExceeded) {
			code = ir.CodeTimeout
		}
		return ir.Wrap(code, err, "policy provider unavailable")
	}
	return nil
}

func (r *Remote) do(ctx context.Context, path string, body []byte, out any) error {
	token, err := SignToken(r.secret, "warden", tokenTTL, time.Now())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		se := &statusError{status: resp.StatusCode}
		var eb ErrorBody
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); json.Unmarshal(data, &eb) == nil {
			se.code = eb.Error.Code
			se.message = eb.Error.Message
		}
		return se
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
