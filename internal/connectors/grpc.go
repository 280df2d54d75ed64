package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod is the unary method every gRPC backend implements. Request and response
// are google.protobuf.Struct, so no generated stubs are needed on either side.
const ExecuteMethod = "/executor.v1.Executor/Execute"

type GRPCExecutor struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewGRPCExecutor creates a lazily connecting client; nothing is dialed until the first call.
func NewGRPCExecutor(endpoint string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCExecutor, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("connectors: grpc client for %s: %w", endpoint, err)
	}
	return &GRPCExecutor{conn: conn, timeout: timeout}, nil
}

func (e *GRPCExecutor) Execute(ctx context.Context, prompt string, c Constraints) (Result, error) {
	req, err := structpb.NewStruct(map[string]any{
		"task_id":    c.TaskID,
		"prompt":     prompt,
		"capability": c.Capability,
		"level":      c.Level.String(),
		"max_units":  c.MaxUnits,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// The adapter keeps its own ceiling even when the router already set a deadline.
	if timeout := firstPositive(c.Timeout, e.timeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, "x-source", "spaceai-gateway", "x-task-id", c.TaskID)

	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, ExecuteMethod, req, resp); err != nil {
		return Result{}, classifyGRPCError(err)
	}

	fields := resp.GetFields()
	if code := fields["status_code"].GetNumberValue(); code != 0 {
		return Result{}, fmt.Errorf("backend returned error [%d]: %s", int(code), fields["error_message"].GetStringValue())
	}
	return Result{
		Output: fields["output"].GetStringValue(),
		Units:  fields["units"].GetNumberValue(),
	}, nil
}

func (e *GRPCExecutor) Close() error {
	return e.conn.Close()
}

func classifyGRPCError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &TransientError{Cause: err}
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("backend call timed out: %w", errors.Join(context.DeadlineExceeded, err))
	case codes.ResourceExhausted:
		return &ThrottleError{Cause: err}
	case codes.Unavailable, codes.Aborted, codes.Internal, codes.Unknown:
		return &TransientError{Cause: err}
	default:
		return fmt.Errorf("backend call failed: %w", err)
	}
}

func firstPositive(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}
