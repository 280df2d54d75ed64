package engine

import (
	"context"
	"encoding/json"
	"math"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// SubmitMethod is the unary method carrying structpb.Struct in both directions. The request
// struct has the same shape as the HTTP body; the response mirrors Result plus
// "code" (the HTTP status) and "retryAfterSeconds".
const SubmitMethod = "/gateway.v1.Gateway/Submit"

// GatewayServer это gRPC вход в тот же конвейер, что и POST /v1/tasks.
type GatewayServer interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type grpcGatewayServer struct {
	gw *Gateway
}

func NewGRPCGatewayServer(gw *Gateway) GatewayServer {
	return &grpcGatewayServer{gw: gw}
}

// RegisterGatewayServer регистрирует сервис без сгенерированных стабов.
func RegisterGatewayServer(s *grpc.Server, srv GatewayServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "gateway.v1.Gateway",
		HandlerType: (*GatewayServer)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Submit",
			Handler:    submitHandler,
		}},
		Metadata: "gateway/v1/gateway.proto",
	}, srv)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *grpcGatewayServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	// Маршалим Struct в JSON, чтобы оба транспорта шли через один декодер
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "request: %v", err)
	}
	var req SubmitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "request: %v", err)
	}

	requestID := uuid.New().String()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-trace-id"); len(v) > 0 && v[0] != "" {
			requestID = v[0]
		}
	}
	sub, err := req.Submission(requestID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res := s.gw.Submit(WithTraceID(ctx, requestID), sub)
	grpc.SetHeader(ctx, metadata.Pairs("x-trace-id", requestID))

	out := map[string]any{
		"status":  string(res.Status),
		"traceId": res.TraceID,
		"taskId":  res.TaskID,
		"code":    HTTPStatus(res),
	}
	if res.Response != "" {
		out["response"] = res.Response
	}
	if res.BackendID != "" {
		out["backendId"] = res.BackendID
	}
	if res.CacheServed {
		out["cacheServed"] = true
	}
	if res.Reason != "" {
		out["reason"] = res.Reason
	}
	if res.RetryAfter > 0 {
		out["retryAfterSeconds"] = math.Ceil(res.RetryAfter.Seconds())
	}
	return structpb.NewStruct(out)
}
