package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/makkenzo/activation-platform/internal/ierr"
)

const defaultGatewayTimeout = 10 * time.Second

func newHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "activation-platform/1.0")
	if baseURL != "" {
		c.SetBaseURL(baseURL)
	}
	return c
}

// classify maps a transport outcome onto the gateway error taxonomy:
// network failures, timeouts and 5xx are retryable, other non-2xx responses are
// rejections.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return classifyErr(op, err)
	}
	if resp == nil {
		return fmt.Errorf("%w: %s: empty response", ierr.ErrGatewayUnreachable, op)
	}
	switch code := resp.StatusCode(); {
	case code >= 500:
		return fmt.Errorf("%w: %s: http %d", ierr.ErrGatewayUnreachable, op, code)
	case code >= 400:
		return fmt.Errorf("%w: %s: http %d: %s", ierr.ErrGatewayRejected, op, code, truncate(resp.String(), 256))
	}
	return nil
}

func classifyErr(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %v", ierr.ErrGatewayUnreachable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ierr.ErrGatewayRejected, op, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
