package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/paygate/internal/auth"
)

const (
	DefaultUpstreamTimeout  = 30 * time.Second
	DefaultMaxResponseBytes = 5 << 20 // 5 MiB
)

var (
	ErrUpstreamTimeout     = errors.New("gateway: upstream timed out")
	ErrUpstreamUnreachable = errors.New("gateway: upstream unreachable")
	ErrResponseTooLarge    = errors.New("gateway: upstream response too large")

	// Caller-side failures. They never count against the upstream.
	ErrRequestTooLarge = errors.New("gateway: request body too large")
	ErrCallerCanceled  = errors.New("gateway: caller canceled the request")
)

// StatusClientClosedRequest is logged and recorded when the caller goes
// away mid-call. Nobody receives it.
const StatusClientClosedRequest = 499

// hopByHop headers apply to a single connection and are never forwarded.
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwardRequest is one call to an upstream. Body is streamed as is.
type ForwardRequest struct {
	Method        string
	URL           string
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// ForwardResponse is the buffered upstream reply.
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	LatencyMs  int64
}

// Forwarder sends calls to upstream APIs.
type Forwarder struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// NewForwarder creates a forwarder. Zero values select the defaults.
func NewForwarder(timeout time.Duration, maxBytes int64) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &Forwarder{
		client: &http.Client{
			// Redirects belong to the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:  timeout,
		maxBytes: maxBytes,
	}
}

// Forward sends the request and reads at most maxBytes of the reply. Any
// status the upstream returns is a successful forward; only transport
// failures, timeouts and oversized bodies are errors.
func (f *Forwarder) Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	httpReq.Header = outboundHeader(req.Header)
	if req.Body != nil && req.Body != http.NoBody {
		httpReq.ContentLength = req.ContentLength
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, classify(ctx, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, f.maxBytes)
	}

	header := resp.Header.Clone()
	removeHopByHop(header)
	header.Del("Content-Length")

	return &ForwardResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		LatencyMs:  latency,
	}, nil
}

// classify sorts a transport error into caller faults and upstream
// failures. ctx is the per-call context derived from the caller's.
func classify(ctx context.Context, err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return fmt.Errorf("%w: limit %d bytes", ErrRequestTooLarge, mbe.Limit)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCallerCanceled, err)
	}
	var ne net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}

// callerFault reports errors caused by the caller rather than the upstream.
func callerFault(err error) bool {
	return errors.Is(err, ErrRequestTooLarge) || errors.Is(err, ErrCallerCanceled)
}

// outboundHeader copies the caller's headers minus hop-by-hop and
// gateway credentials.
func outboundHeader(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	removeHopByHop(out)
	out.Del(auth.HeaderWallet)
	out.Del(auth.HeaderAdminSecret)
	out.Del("Host")
	return out
}

func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

// failureStatus maps a forward error to the status the caller sees.
func failureStatus(err error) int {
	switch {
	case errors.Is(err, ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrCallerCanceled):
		return StatusClientClosedRequest
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
