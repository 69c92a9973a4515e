// Package httptransport implements the API service (§4.B): a transport
// serving typed JSON request/response, streaming blob GET, and blob
// POST, wrapping a user-supplied Fetcher with the header contract,
// retry matrix, and a pair of circuit breakers.
//
// Grounded in lib/pacer's concurrency-gated retry idiom (a functional-
// option constructor, a State-like bookkeeping struct reset by success)
// and in fs/fserrors' retry classification (Cause/ShouldRetry,
// ErrorRetryAfter), adapted from rclone's generic "retry this fs.Object
// operation" shape to a fixed per-condition delay table.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/driveevents"
)

// Fetcher is the external HTTP collaborator the service wraps (spec.md
// §1 Non-goals exclude reimplementing an HTTP client; *http.Client
// satisfies this directly).
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Telemetry receives cross-cutting SDK telemetry events (§4.B
// "apiRetrySucceeded{url, failedAttempts}").
type Telemetry interface {
	RecordEvent(name string, fields map[string]any)
}

type noopTelemetry struct{}

func (noopTelemetry) RecordEvent(string, map[string]any) {}

const (
	headerAccept        = "Accept"
	acceptValue         = "application/vnd.protonmail.v1+json"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
	headerLanguage      = "Language"
	headerSDKVersion    = "x-pm-drive-sdk-version"
	headerStorageToken  = "pm-storage-token"
	sdkLanguage         = "go"
)

const (
	codeOK       = 1000
	codeOKMany   = 1001
	codeNotFound = 2501
)

const (
	breaker429Threshold = 50
	breaker5xxThreshold = 10
	breakerCooldown     = 60 * time.Second

	defaultOfflineDelay = 5 * time.Second
	defaultTimeoutDelay = 1 * time.Second
	defaultGenericDelay = 1 * time.Second
	default429Delay     = 10 * time.Second
)

// Options configures a Service (functional-option constructor, matching
// lib/pacer's New(...Option) idiom, whose MinSleep/MaxSleep options this
// package's per-condition delay overrides mirror).
type Options struct {
	Fetcher    Fetcher
	Language   string
	SDKVersion string
	Events     *driveevents.Bus
	Telemetry  Telemetry
	Log        *logrus.Entry

	OfflineDelay time.Duration
	TimeoutDelay time.Duration
	GenericDelay time.Duration
	Default429Delay time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithFetcher sets the underlying HTTP collaborator.
func WithFetcher(f Fetcher) Option { return func(o *Options) { o.Fetcher = f } }

// WithLanguage sets the Language header value.
func WithLanguage(lang string) Option { return func(o *Options) { o.Language = lang } }

// WithSDKVersion sets the SDK version string reported in
// x-pm-drive-sdk-version.
func WithSDKVersion(v string) Option { return func(o *Options) { o.SDKVersion = v } }

// WithEvents attaches the shared SDK events bus (§4.B, §6).
func WithEvents(bus *driveevents.Bus) Option { return func(o *Options) { o.Events = bus } }

// WithTelemetry attaches a telemetry sink.
func WithTelemetry(t Telemetry) Option { return func(o *Options) { o.Telemetry = t } }

// WithLogger overrides the default logger.
func WithLogger(log *logrus.Entry) Option { return func(o *Options) { o.Log = log } }

// WithRetryDelays overrides the retry matrix's per-condition delays;
// primarily for tests that don't want to wait out the real-world
// defaults. Zero fields are ignored.
func WithRetryDelays(offline, timeout, generic, rateLimitDefault time.Duration) Option {
	return func(o *Options) {
		if offline > 0 {
			o.OfflineDelay = offline
		}
		if timeout > 0 {
			o.TimeoutDelay = timeout
		}
		if generic > 0 {
			o.GenericDelay = generic
		}
		if rateLimitDefault > 0 {
			o.Default429Delay = rateLimitDefault
		}
	}
}

// Service is the §4.B API service.
type Service struct {
	opts       Options
	breaker429 *circuitBreaker
	breaker5xx *circuitBreaker
	log        *logrus.Entry
}

// New builds a Service. fetcher must not be nil.
func New(fetcher Fetcher, opts ...Option) *Service {
	o := Options{
		Fetcher:         fetcher,
		Language:        "en",
		SDKVersion:      "go@0.0.0",
		Telemetry:       noopTelemetry{},
		Log:             logrus.NewEntry(logrus.StandardLogger()),
		OfflineDelay:    defaultOfflineDelay,
		TimeoutDelay:    defaultTimeoutDelay,
		GenericDelay:    defaultGenericDelay,
		Default429Delay: default429Delay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Telemetry == nil {
		o.Telemetry = noopTelemetry{}
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		opts:       o,
		breaker429: newCircuitBreaker(breaker429Threshold, breakerCooldown, driveevents.RequestsThrottled, driveevents.RequestsUnthrottled, o.Events),
		breaker5xx: newCircuitBreaker(breaker5xxThreshold, breakerCooldown, driveevents.RequestsThrottled, driveevents.RequestsUnthrottled, o.Events),
		log:        o.Log,
	}
}

// envelope is the common JSON response wrapper (§4.B).
type envelope struct {
	Code  int    `json:"Code"`
	Error string `json:"Error"`
}

// DoJSON issues a JSON request/response round trip. body, when non-nil,
// is JSON-marshaled as the request body; out, when non-nil, receives the
// JSON-unmarshaled response body.
func (s *Service) DoJSON(ctx context.Context, method, url string, body, out any) error {
	var reqBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return driveerrors.New(driveerrors.Validation, "marshal request body", err)
		}
		reqBody = b
	}

	respBody, err := s.doWithRetry(ctx, func() (*http.Request, error) {
		var r io.Reader
		if reqBody != nil {
			r = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set(headerAccept, acceptValue)
		req.Header.Set(headerContentType, contentTypeJSON)
		req.Header.Set(headerLanguage, s.opts.Language)
		req.Header.Set(headerSDKVersion, fmt.Sprintf("%s@%s", sdkLanguage, s.opts.SDKVersion))
		return req, nil
	})
	if err != nil {
		return err
	}

	var env envelope
	if jsonErr := json.Unmarshal(respBody, &env); jsonErr != nil {
		return driveerrors.New(driveerrors.APIHTTPError, "malformed response envelope", jsonErr)
	}
	if env.Code == codeNotFound {
		return driveerrors.New(driveerrors.NotFound, env.Error, nil)
	}
	if env.Code != codeOK && env.Code != codeOKMany {
		return driveerrors.New(driveerrors.APICodeError, env.Error, nil).WithCode(env.Code)
	}
	if out != nil {
		if jsonErr := json.Unmarshal(respBody, out); jsonErr != nil {
			return driveerrors.New(driveerrors.APIHTTPError, "unmarshal response payload", jsonErr)
		}
	}
	return nil
}

// DoBlobGet streams an encrypted block from bareURL, attaching token as
// the storage-access header instead of account credentials (§4.B: block
// transfers omit credentials).
func (s *Service) DoBlobGet(ctx context.Context, bareURL, token string) (io.ReadCloser, error) {
	body, err := s.doWithRetryStreaming(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, bareURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(headerStorageToken, token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// DoBlobPost uploads an encrypted block to bareURL.
func (s *Service) DoBlobPost(ctx context.Context, bareURL, token string, payload io.Reader) error {
	_, err := s.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, bareURL, payload)
		if err != nil {
			return nil, err
		}
		req.Header.Set(headerStorageToken, token)
		return req, nil
	})
	return err
}

// attemptOutcome classifies one HTTP round trip per §4.B's retry matrix.
type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeOffline
	outcomeTimeout
	outcomeGenericError
	outcomeTooManyRequests
	outcomeServerError
	outcomeFatal
)

func classify(resp *http.Response, err error) attemptOutcome {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return outcomeTimeout
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return outcomeOffline
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return outcomeTimeout
		}
		return outcomeGenericError
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return outcomeTooManyRequests
	case resp.StatusCode >= 500:
		return outcomeServerError
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeSuccess
	default:
		return outcomeFatal
	}
}

// doWithRetry runs the retry matrix and returns the fully-read response
// body.
func (s *Service) doWithRetry(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	body, err := s.doWithRetryStreaming(ctx, build)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, readErr := io.ReadAll(body)
	if readErr != nil {
		return nil, driveerrors.New(driveerrors.Network, "read response body", readErr)
	}
	return data, nil
}

// doWithRetryStreaming implements §4.B's retry matrix and circuit
// breakers, returning the live response body on success (caller closes
// it).
func (s *Service) doWithRetryStreaming(ctx context.Context, build func() (*http.Request, error)) (io.ReadCloser, error) {
	genericAttempts := 0
	serverErrorAttempts := 0
	failedAttempts := 0
	var url string

	for {
		now := time.Now()
		if s.breaker429.tripped(now) {
			return nil, driveerrors.New(driveerrors.RateLimited, "too many 429 responses, breaker open", nil)
		}
		if s.breaker5xx.tripped(now) {
			return nil, driveerrors.New(driveerrors.ServerError, "too many 5xx responses, breaker open", nil)
		}

		req, buildErr := build()
		if buildErr != nil {
			return nil, driveerrors.New(driveerrors.Validation, "build request", buildErr)
		}
		url = req.URL.String()

		resp, fetchErr := s.opts.Fetcher.Do(req)
		var ctxErr error
		if driveerrors.ContextError(ctx, &ctxErr) {
			return nil, ctxErr
		}

		outcome := classify(resp, fetchErr)
		switch outcome {
		case outcomeSuccess:
			s.breaker429.recordSuccess()
			s.breaker5xx.recordSuccess()
			if failedAttempts > 0 {
				s.opts.Telemetry.RecordEvent("apiRetrySucceeded", map[string]any{
					"url":            url,
					"failedAttempts": failedAttempts,
				})
			}
			return resp.Body, nil
		case outcomeOffline:
			failedAttempts++
			if !sleep(ctx, s.opts.OfflineDelay) {
				return nil, driveerrors.New(driveerrors.Abort, "cancelled while offline", nil)
			}
			continue
		case outcomeTimeout:
			failedAttempts++
			if !sleep(ctx, s.opts.TimeoutDelay) {
				return nil, driveerrors.New(driveerrors.Abort, "cancelled during timeout retry", nil)
			}
			continue
		case outcomeGenericError:
			failedAttempts++
			genericAttempts++
			if genericAttempts > 1 {
				return nil, driveerrors.New(driveerrors.Network, "request failed", fetchErr)
			}
			if !sleep(ctx, s.opts.GenericDelay) {
				return nil, driveerrors.New(driveerrors.Abort, "cancelled during retry", nil)
			}
			continue
		case outcomeTooManyRequests:
			failedAttempts++
			s.breaker429.recordFailure(now)
			delay := retryAfterOr(resp, s.opts.Default429Delay)
			drainAndClose(resp)
			s.log.WithField("url", url).WithField("delay", delay).Debug("retrying after 429")
			if !sleep(ctx, delay) {
				return nil, driveerrors.New(driveerrors.Abort, "cancelled during rate-limit backoff", nil)
			}
			continue
		case outcomeServerError:
			failedAttempts++
			serverErrorAttempts++
			s.breaker5xx.recordFailure(now)
			statusCode := resp.StatusCode
			drainAndClose(resp)
			if serverErrorAttempts > 1 {
				return nil, driveerrors.New(driveerrors.ServerError, "server error", nil).WithStatusCode(statusCode)
			}
			s.log.WithField("url", url).WithField("status", statusCode).Debug("retrying after server error")
			if !sleep(ctx, s.opts.GenericDelay) {
				return nil, driveerrors.New(driveerrors.Abort, "cancelled during server-error retry", nil)
			}
			continue
		default: // outcomeFatal
			statusCode := resp.StatusCode
			drainAndClose(resp)
			return nil, driveerrors.New(driveerrors.APIHTTPError, "unexpected HTTP status", nil).WithStatusCode(statusCode)
		}
	}
}

func retryAfterOr(resp *http.Response, fallback time.Duration) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return fallback
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// sleep waits for d or until ctx is done; returns false if ctx won.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
