package authority

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "handoff.authority.v1.Authority"

const (
	methodIssue     = "/" + ServiceName + "/IssueMigrationTicket"
	methodRedeem    = "/" + ServiceName + "/RedeemTicket"
	methodRelease   = "/" + ServiceName + "/ReleaseSession"
	methodHeartbeat = "/" + ServiceName + "/Heartbeat"
)

// codecName is the content subtype clients select per call.
const codecName = "json"

// jsonCodec carries the plain Go request types over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// AuthorityServer is the server API of the authority service.
type AuthorityServer interface {
	IssueMigrationTicket(context.Context, *IssueRequest) (*IssueResponse, error)
	RedeemTicket(context.Context, *RedeemRequest) (*RedeemResponse, error)
	ReleaseSession(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
}

func unaryHandler[Req any, Resp any](fullMethod string, call func(AuthorityServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			resp, err := call(srv.(AuthorityServer), ctx, req.(*Req))
			if err != nil {
				return nil, ToStatus(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthorityServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "IssueMigrationTicket",
			Handler:    unaryHandler(methodIssue, AuthorityServer.IssueMigrationTicket),
		},
		{
			MethodName: "RedeemTicket",
			Handler:    unaryHandler(methodRedeem, AuthorityServer.RedeemTicket),
		},
		{
			MethodName: "ReleaseSession",
			Handler:    unaryHandler(methodRelease, AuthorityServer.ReleaseSession),
		},
		{
			MethodName: "Heartbeat",
			Handler:    unaryHandler(methodHeartbeat, AuthorityServer.Heartbeat),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "handoff/authority/v1/authority",
}

// RegisterAuthorityServer attaches srv to s.
func RegisterAuthorityServer(s grpc.ServiceRegistrar, srv AuthorityServer) {
	s.RegisterService(&serviceDesc, srv)
}

// NewGRPCServer builds a gRPC server exposing svc and the standard health
// service, with tracing and call logging.
func NewGRPCServer(svc AuthorityServer, log *zap.Logger) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(loggingInterceptor(log)),
	)
	RegisterAuthorityServer(s, svc)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s, hs
}

func loggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if info.FullMethod == methodHeartbeat && err == nil {
			return resp, nil
		}
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			st, _ := status.FromError(err)
			fields = append(fields, zap.String("code", st.Code().String()), zap.String("error", st.Message()))
			log.Debug("rpc failed", fields...)
			return resp, err
		}
		log.Debug("rpc", fields...)
		return resp, nil
	}
}
