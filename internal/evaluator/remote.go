package evaluator

// ============================================================================
// 遠端 evaluator（gRPC）
// 職責：
// 1. 把結構編碼為 structpb.Struct 送到 evaluator 服務
// 2. 解析回應中的 energy / forces
// 訊息格式使用 well-known type, 不需要產生程式碼
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

const (
	// ServiceName is the gRPC service exposed by RegisterServer.
	ServiceName = "adsorbflow.v1.Evaluator"
	// EvaluateMethod is the full method name of the evaluation RPC.
	EvaluateMethod = "/" + ServiceName + "/Evaluate"
)

// Remote evaluates structures on a gRPC evaluator service.
type Remote struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewRemote wraps an existing connection. A zero timeout means no per-call
// deadline beyond the caller's context.
func NewRemote(conn grpc.ClientConnInterface, timeout time.Duration) *Remote {
	return &Remote{conn: conn, timeout: timeout}
}

// Dial connects to the evaluator service at addr.
func Dial(addr string, timeout time.Duration) (*Remote, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("evaluator: dial %s: %w", addr, err)
	}
	return NewRemote(conn, timeout), conn, nil
}

// Evaluate implements Evaluator.
func (r *Remote) Evaluate(ctx context.Context, s *types.Structure) (Result, error) {
	req, err := encodeStructure(s)
	if err != nil {
		return Result{}, err
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, EvaluateMethod, req, resp); err != nil {
		return Result{}, fmt.Errorf("evaluator: remote evaluate: %w", err)
	}
	res, err := decodeResult(resp)
	if err != nil {
		return Result{}, err
	}
	if err := Check(s, res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func encodeStructure(s *types.Structure) (*structpb.Struct, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("evaluator: encode structure: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("evaluator: encode structure: %w", err)
	}
	return structpb.NewStruct(m)
}

func decodeStructure(msg *structpb.Struct) (*types.Structure, error) {
	raw, err := json.Marshal(msg.AsMap())
	if err != nil {
		return nil, fmt.Errorf("evaluator: decode structure: %w", err)
	}
	var s types.Structure
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("evaluator: decode structure: %w", err)
	}
	return &s, nil
}

func encodeResult(r Result) (*structpb.Struct, error) {
	forces := make([]any, len(r.Forces))
	for i, f := range r.Forces {
		forces[i] = []any{f[0], f[1], f[2]}
	}
	return structpb.NewStruct(map[string]any{
		"energy": r.Energy,
		"forces": forces,
	})
}

func decodeResult(msg *structpb.Struct) (Result, error) {
	fields := msg.GetFields()
	ev, ok := fields["energy"]
	if !ok {
		return Result{}, fmt.Errorf("%w: missing energy", ErrBadResult)
	}
	if _, ok := ev.GetKind().(*structpb.Value_NumberValue); !ok {
		return Result{}, fmt.Errorf("%w: energy is not a number", ErrBadResult)
	}
	res := Result{Energy: ev.GetNumberValue()}

	for i, row := range fields["forces"].GetListValue().GetValues() {
		vals := row.GetListValue().GetValues()
		if len(vals) != 3 {
			return Result{}, fmt.Errorf("%w: force %d has %d components", ErrBadResult, i, len(vals))
		}
		res.Forces = append(res.Forces, types.Vec3{
			vals[0].GetNumberValue(), vals[1].GetNumberValue(), vals[2].GetNumberValue(),
		})
	}
	return res, nil
}
