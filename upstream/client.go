package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/campaignlab/connector-sync/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	// how many times a single logical request is attempted before the error
	// is surfaced to the phase pipeline
	defaultMaxAttempts = 4
	// linear backoff unit for non-429 failures: attempt * this
	retryDelayUnit = time.Second
	// backoff unit when the vendor tells us to slow down: attempt * this
	rateLimitBackoffUnit = 2 * time.Second
)

// Client issues one upstream request and returns the response body.
// One client is shared by all connections to the same platform.
type Client interface {
	Do(ctx context.Context, req Request) ([]byte, error)
}

type Request struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
}

// RateLimitedClient wraps outbound platform calls with a preventive
// fixed-interval throttle and bounded retries. The throttle is taken before
// every attempt, including retries, so a retry storm can never exceed the
// vendor's published ceiling.
type RateLimitedClient struct {
	Client      *http.Client
	MaxAttempts int
	limiter     ratelimit.Limiter

	// test hook
	sleep func(time.Duration)
}

// NewRateLimitedClient returns a client which spaces outbound calls at least
// requestInterval apart. The interval is platform-specific, chosen to stay
// under the vendor's rate limit rather than reacting to 429s after the fact.
func NewRateLimitedClient(requestInterval time.Duration) *RateLimitedClient {
	return &RateLimitedClient{
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
		MaxAttempts: defaultMaxAttempts,
		limiter:     ratelimit.New(1, ratelimit.Per(requestInterval)),
		sleep:       time.Sleep,
	}
}

// Do performs the request, retrying on failure. HTTP 429 waits
// attempt*rateLimitBackoffUnit between attempts; any other non-2xx or network
// failure waits attempt*retryDelayUnit. 401 and 403 are returned without
// retrying. Once attempts are exhausted the last failure is returned as an
// *internal.UpstreamError for the caller to record.
func (c *RateLimitedClient) Do(ctx context.Context, req Request) ([]byte, error) {
	var lastStatus int
	var lastBody string
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		c.limiter.Take()
		body, status, err := c.doOnce(ctx, req)
		if err == nil && status >= 200 && status < 300 {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// a rejected or revoked credential never heals on retry; surface it
		// immediately so the run can abort
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, &internal.UpstreamError{StatusCode: status, Body: truncate(string(body), 512)}
		}
		if err != nil {
			lastStatus = 0
			lastBody = err.Error()
		} else {
			lastStatus = status
			lastBody = string(body)
		}
		if attempt == c.MaxAttempts {
			break
		}
		var wait time.Duration
		if lastStatus == http.StatusTooManyRequests {
			wait = time.Duration(attempt) * rateLimitBackoffUnit
		} else {
			wait = time.Duration(attempt) * retryDelayUnit
		}
		logger.Warn().Int("status", lastStatus).Int("attempt", attempt).
			Str("url", req.URL).Str("wait", wait.String()).Msg("upstream request failed, retrying")
		c.sleep(wait)
	}
	return nil, &internal.UpstreamError{StatusCode: lastStatus, Body: truncate(lastBody, 512)}
}

func (c *RateLimitedClient) doOnce(ctx context.Context, req Request) ([]byte, int, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("RateLimitedClient: NewRequest failed: %w", err)
	}
	hreq.Header.Set("User-Agent", "connector-sync/"+Version)
	hreq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Header {
		hreq.Header.Set(k, v)
	}
	res, err := c.Client.Do(hreq)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, err
	}
	return body, res.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Version of the service, stamped into the User-Agent of upstream calls.
var Version = "dev"
