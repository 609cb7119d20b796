package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/services"
)

// CoordinatorServer is the server API for the opscore.v1.Coordinator service.
// Requests and responses are google.protobuf.Struct messages.
type CoordinatorServer interface {
	ListOperations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TriggerOperation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRunStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecideApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAlertState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetValidationVerdict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSummary(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Handler serves CoordinatorServer on top of the coordinator facade.
type Handler struct {
	svc    *services.CoordinatorService
	logger *slog.Logger
}

var _ CoordinatorServer = (*Handler)(nil)

// NewHandler constructs the gRPC handler.
func NewHandler(svc *services.CoordinatorService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) ListOperations(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ops, err := h.svc.ListOperations(ctx)
	if err != nil {
		return nil, h.fail("ListOperations", err)
	}
	return h.respond("ListOperations", map[string]any{"operations": ops})
}

func (h *Handler) TriggerOperation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	opCtx, err := ContextFrom(fields["context"])
	if err != nil {
		return nil, h.fail("TriggerOperation", err)
	}
	resp, err := h.svc.TriggerOperation(ctx, StringField(fields, "name"), opCtx)
	if err != nil {
		return nil, h.fail("TriggerOperation", err)
	}
	return h.respond("TriggerOperation", resp)
}

func (h *Handler) GetRunStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	statuses, err := h.svc.GetRunStatus(ctx, StringList(req.AsMap()["ids"]))
	if err != nil {
		return nil, h.fail("GetRunStatus", err)
	}
	return h.respond("GetRunStatus", map[string]any{"statuses": statuses})
}

func (h *Handler) DecideApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	opCtx, err := ContextFrom(fields["context"])
	if err != nil {
		return nil, h.fail("DecideApproval", err)
	}
	rec, err := h.svc.DecideApproval(ctx, StringField(fields, "name"), opCtx, StringField(fields, "decision"), StringField(fields, "approver"))
	if err != nil {
		return nil, h.fail("DecideApproval", err)
	}
	return h.respond("DecideApproval", rec)
}

func (h *Handler) GetAlertState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	state, err := h.svc.GetAlertState(ctx, StringField(fields, "metric"), StringField(fields, "scope"))
	if err != nil {
		return nil, h.fail("GetAlertState", err)
	}
	return h.respond("GetAlertState", state)
}

func (h *Handler) GetValidationVerdict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	verdict, err := h.svc.GetValidationVerdict(ctx, StringField(fields, "source"), StringField(fields, "target"))
	if err != nil {
		return nil, h.fail("GetValidationVerdict", err)
	}
	return h.respond("GetValidationVerdict", verdict)
}

func (h *Handler) GetSummary(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sum, err := h.svc.Summary(ctx)
	if err != nil {
		return nil, h.fail("GetSummary", err)
	}
	return h.respond("GetSummary", sum)
}

func (h *Handler) fail(method string, err error) error {
	st := StatusFromError(err)
	h.logger.Debug("rpc failed", slog.String("method", method), slog.String("code", st.Code().String()), slog.Any("error", err))
	return st.Err()
}

func (h *Handler) respond(method string, v any) (*structpb.Struct, error) {
	out, err := ToStruct(v)
	if err != nil {
		h.logger.Error("encode response failed", slog.String("method", method), slog.Any("error", err))
		return nil, StatusFromError(err).Err()
	}
	return out, nil
}

// ToStruct converts a JSON-serialisable value into a Struct message.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return structpb.NewStruct(fields)
}

// FromStruct decodes a Struct message into out.
func FromStruct(s *structpb.Struct, out any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return json.Unmarshal(data, out)
}

// StringField reads a string field, trimming whitespace.
func StringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return strings.TrimSpace(s)
}

// StringList reads a list of strings. A single string is split on commas.
func StringList(v any) []string {
	switch list := v.(type) {
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(list, ",")
	}
	return nil
}

// ContextFrom converts a Struct field into an OpContext. Scalars are
// rendered as text; nested values are rejected.
func ContextFrom(v any) (models.OpContext, error) {
	out := models.OpContext{}
	switch fields := v.(type) {
	case nil:
		return out, nil
	case string:
		opCtx, err := models.ParseOpContext(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
		}
		return opCtx, nil
	case map[string]any:
		for k, raw := range fields {
			switch val := raw.(type) {
			case string:
				out[k] = val
			case bool:
				out[k] = strconv.FormatBool(val)
			case float64:
				out[k] = strconv.FormatFloat(val, 'f', -1, 64)
			case nil:
			default:
				return nil, fmt.Errorf("%w: context value %q must be a scalar", models.ErrInvalidArgument, k)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: context must be an object", models.ErrInvalidArgument)
}
