package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/guardian/internal/auth"
	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/storage"
)

// GuardianServer implements GuardianService on top of the analysis engine.
type GuardianServer struct {
	engine *engine.Engine
	auth   auth.Authenticator
	writer storage.EventWriter
	logger *zap.Logger
}

// NewGuardianServer creates a GuardianServer. A nil authenticator accepts
// every call.
func NewGuardianServer(
	eng *engine.Engine,
	authenticator auth.Authenticator,
	writer storage.EventWriter,
	logger *zap.Logger,
) *GuardianServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writer == nil {
		writer = storage.NewLogWriter(logger)
	}
	return &GuardianServer{
		engine: eng,
		auth:   authenticator,
		writer: writer,
		logger: logger,
	}
}

// Analyze implements GuardianService.Analyze.
func (s *GuardianServer) Analyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	// 1. Authenticate
	var keyID string
	if s.auth != nil {
		p, err := s.auth.Authenticate(ctx)
		switch {
		case errors.Is(err, auth.ErrAuthUnavailable):
			return nil, status.Error(codes.Unavailable, "authentication unavailable")
		case err != nil:
			return nil, status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
		case !p.Allows(auth.RoleAnalyze):
			return nil, status.Error(codes.PermissionDenied, "key may not analyze")
		}
		keyID = p.KeyID
	}

	// 2. Decode
	in, err := decodeAnalyzeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	// 3. Analyze
	out, err := s.engine.Evaluate(ctx, in)
	if errors.Is(err, engine.ErrInvalidInput) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, status.FromContextError(err).Err()
	}
	if err != nil {
		s.logger.Error("analyze failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "analysis failed")
	}

	requestID := uuid.New().String()

	// 4. Fire-and-forget
	s.writer.Write(storage.NewAnalysisEvent(requestID, "grpc", keyID, in.Content, in.Context, out))

	resp, err := encodeOutcome(requestID, out)
	if err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "encode response")
	}
	return resp, nil
}

// decodeAnalyzeRequest reads {content, context{domain,intent,source,url,timestamp}, min_length}.
func decodeAnalyzeRequest(req *structpb.Struct) (*engine.AnalyzeRequest, error) {
	if req == nil {
		return &engine.AnalyzeRequest{}, nil
	}
	f := req.GetFields()
	out := &engine.AnalyzeRequest{
		Content:   f["content"].GetStringValue(),
		MinLength: int(f["min_length"].GetNumberValue()),
	}
	if v, ok := f["context"]; ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
			c := v.GetStructValue()
			if c == nil {
				return nil, errors.New("context must be an object")
			}
			cf := c.GetFields()
			out.Context = engine.AnalysisContext{
				Domain: cf["domain"].GetStringValue(),
				Intent: cf["intent"].GetStringValue(),
				Source: cf["source"].GetStringValue(),
				URL:    cf["url"].GetStringValue(),
			}
			if ts := cf["timestamp"].GetStringValue(); ts != "" {
				t, err := time.Parse(time.RFC3339, ts)
				if err != nil {
					return nil, errors.New("context.timestamp must be RFC 3339")
				}
				out.Context.Timestamp = t
			}
		}
	}
	return out, nil
}

// encodeOutcome renders the verdict with the HTTP field names plus
// request_id and cache.
func encodeOutcome(requestID string, out *engine.Outcome) (*structpb.Struct, error) {
	m, err := out.Result.MarshalMap()
	if err != nil {
		return nil, err
	}
	m["request_id"] = requestID
	m["cache"] = out.Cache
	return structpb.NewStruct(m)
}
