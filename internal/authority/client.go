package authority

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client calls a remote authority. Every call is bounded by the caller's
// context; the client adds no retries of its own.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr and waits until the authority reports SERVING or
// dialTimeout passes.
func Dial(ctx context.Context, addr string, dialTimeout time.Duration, log *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial authority %s: %w", addr, err)
	}

	waitCtx := ctx
	if dialTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}
	if err := WaitForHealth(waitCtx, conn, ServiceName, log); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if err := c.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return FromStatus(err)
	}
	return nil
}

func (c *Client) IssueMigrationTicket(ctx context.Context, req *IssueRequest) (*IssueResponse, error) {
	resp := new(IssueResponse)
	if err := c.invoke(ctx, methodIssue, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RedeemTicket(ctx context.Context, req *RedeemRequest) (*RedeemResponse, error) {
	resp := new(RedeemResponse)
	if err := c.invoke(ctx, methodRedeem, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ReleaseSession(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	resp := new(ReleaseResponse)
	if err := c.invoke(ctx, methodRelease, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	resp := new(HeartbeatResponse)
	if err := c.invoke(ctx, methodHeartbeat, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RunHeartbeat reports ep to the authority every interval until ctx ends.
// Failures are logged and retried on the next tick.
func (c *Client) RunHeartbeat(ctx context.Context, ep Endpoint, interval, timeout time.Duration, log *zap.Logger) {
	beat := func() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := c.Heartbeat(callCtx, &HeartbeatRequest{Endpoint: ep}); err != nil && ctx.Err() == nil {
			log.Warn("authority heartbeat failed", zap.Stringer("owner", ep.Owner), zap.Error(err))
		}
	}
	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// WaitForHealth blocks until the health check for service reports SERVING
// or ctx ends.
func WaitForHealth(ctx context.Context, conn *grpc.ClientConn, service string, log *zap.Logger) error {
	hc := healthpb.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := hc.Check(callCtx, &healthpb.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		if log != nil {
			if err != nil {
				log.Debug("waiting for authority health", zap.Error(err))
			} else {
				log.Debug("waiting for authority health", zap.String("status", resp.GetStatus().String()))
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for authority health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff = min(backoff*2, time.Second)
		}
	}
}
