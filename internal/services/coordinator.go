package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lakeops/opscore/internal/engine"
	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/utils"
)

// Catalog exposes the registered operations.
type Catalog interface {
	Get(name string) (models.OperationDescriptor, error)
	List() []models.OperationDescriptor
}

// Runner triggers an operation under the single in-flight guard.
type Runner interface {
	Trigger(ctx context.Context, name string, opCtx models.OpContext) (models.TaskResult, error)
}

// RunTracker reports run states by id.
type RunTracker interface {
	RunStatus(ctx context.Context, ids []string) ([]models.RunStatus, error)
}

// Approvals applies and lists human decisions.
type Approvals interface {
	Decide(ctx context.Context, operation string, opCtx models.OpContext, decision models.Decision, approver string) (models.ApprovalRecord, error)
	Open(ctx context.Context) ([]models.ApprovalRecord, error)
}

// AlertStates exposes the threshold engine's state machine.
type AlertStates interface {
	State(metric, scope string) (models.AlertState, error)
	Active() []models.AlertState
}

// AlertHistory summarises routed alerts.
type AlertHistory interface {
	Summary() engine.AlertSummary
}

// Verdicts looks up drift verdicts.
type Verdicts interface {
	LatestVerdict(ctx context.Context, pairKey string) (models.ValidationVerdict, error)
	LatestVerdicts(ctx context.Context) ([]models.ValidationVerdict, error)
}

// ResultCounts aggregates recorded task results.
type ResultCounts interface {
	Counts(ctx context.Context) (map[string]map[models.Outcome]int, error)
}

// Publisher emits bus events.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Config wires the collaborators behind the coordinator facade.
type Config struct {
	Catalog   Catalog
	Runner    Runner
	Runs      RunTracker
	Approvals Approvals
	Alerts    AlertStates
	History   AlertHistory
	Verdicts  Verdicts
	Results   ResultCounts
	Publisher Publisher
	Logger    *slog.Logger
}

// CoordinatorService is the transport-agnostic facade the gRPC server, the
// dashboard and the CLI sit on.
type CoordinatorService struct {
	cfg       Config
	logger    *slog.Logger
	latencies *utils.LatencyTracker
	clock     func() time.Time
}

// OperationInfo is the listing form of a descriptor.
type OperationInfo struct {
	Name             string           `json:"name"`
	Operator         models.Operator  `json:"operator"`
	Description      string           `json:"description"`
	Risk             models.RiskLevel `json:"risk"`
	ApprovalRequired bool             `json:"approval_required"`
	Schedule         string           `json:"schedule,omitempty"`
}

// TriggerResponse carries the recorded result and, while the operation waits
// for a human decision, the pending approval.
type TriggerResponse struct {
	Result   models.TaskResult      `json:"result"`
	Approval *models.ApprovalRecord `json:"approval,omitempty"`
}

// Summary is the dashboard overview.
type Summary struct {
	GeneratedAt   time.Time                         `json:"generated_at"`
	Operators     map[string]map[models.Outcome]int `json:"operators"`
	Operations    map[string]map[models.Outcome]int `json:"operations"`
	OpenApprovals []models.ApprovalRecord           `json:"open_approvals"`
	ActiveAlerts  []models.AlertState               `json:"active_alerts"`
	Verdicts      []models.ValidationVerdict        `json:"verdicts"`
	Alerts        engine.AlertSummary               `json:"alerts"`
}

// NewCoordinatorService constructs the facade.
func NewCoordinatorService(cfg Config) *CoordinatorService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CoordinatorService{
		cfg:       cfg,
		logger:    logger,
		latencies: utils.NewLatencyTracker(1024),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *CoordinatorService) WithClock(clock func() time.Time) *CoordinatorService {
	s.clock = clock
	return s
}

// ListOperations returns every registered operation sorted by name.
func (s *CoordinatorService) ListOperations(_ context.Context) ([]OperationInfo, error) {
	if s.cfg.Catalog == nil {
		return nil, utils.NotConfigured("ListOperations", "catalog")
	}
	descs := s.cfg.Catalog.List()
	out := make([]OperationInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, OperationInfo{
			Name:             d.Name,
			Operator:         d.Operator,
			Description:      d.Description,
			Risk:             d.Risk,
			ApprovalRequired: d.RequiresApproval(),
			Schedule:         d.Schedule,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TriggerOperation runs name for opCtx now. Misuse (unknown name, a run
// already in flight, a denied approval or no usable session) is returned as
// an error; any other failure is reported through the recorded result.
func (s *CoordinatorService) TriggerOperation(ctx context.Context, name string, opCtx models.OpContext) (TriggerResponse, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return TriggerResponse{}, fmt.Errorf("%w: operation name is required", models.ErrInvalidArgument)
	}
	if s.cfg.Runner == nil {
		return TriggerResponse{}, utils.NotConfigured("TriggerOperation", "runner")
	}

	start := time.Now()
	result, err := s.cfg.Runner.Trigger(ctx, name, opCtx)
	s.observe(name, time.Since(start))
	if err != nil && (result.ID == "" || errors.Is(err, models.ErrApprovalDenied) || errors.Is(err, models.ErrAuth)) {
		return TriggerResponse{}, err
	}
	if err != nil {
		s.logger.Warn("triggered operation failed",
			slog.String("operation", name),
			slog.String("run_id", result.ID),
			slog.Any("error", err),
		)
	}

	resp := TriggerResponse{Result: result}
	if result.Outcome == models.OutcomeAwaitingApproval && result.ApprovalID != "" && s.cfg.Approvals != nil {
		open, err := s.cfg.Approvals.Open(ctx)
		if err != nil {
			return resp, fmt.Errorf("load approvals: %w", err)
		}
		for i := range open {
			if open[i].ID == result.ApprovalID {
				resp.Approval = &open[i]
				break
			}
		}
	}
	return resp, nil
}

func (s *CoordinatorService) observe(name string, d time.Duration) {
	if n := s.latencies.Observe(name, d); n%20 == 0 {
		s.logger.Info("trigger latency",
			slog.String("operation", name),
			slog.Duration("p95", s.latencies.Percentile(name, 95)),
			slog.Int("triggers", n),
		)
	}
}

// TriggerLatency returns the trigger latency summary for one operation.
func (s *CoordinatorService) TriggerLatency(name string) utils.LatencyStats {
	return s.latencies.Stats(name)
}

// GetRunStatus reports running, recorded or unknown per id.
func (s *CoordinatorService) GetRunStatus(ctx context.Context, ids []string) ([]models.RunStatus, error) {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("%w: at least one run id is required", models.ErrInvalidArgument)
	}
	if s.cfg.Runs == nil {
		return nil, utils.NotConfigured("GetRunStatus", "run tracker")
	}
	return s.cfg.Runs.RunStatus(ctx, cleaned)
}

// DecideApproval records a human decision on the pending approval for
// (name, opCtx) and announces it on the bus.
func (s *CoordinatorService) DecideApproval(ctx context.Context, name string, opCtx models.OpContext, decision, approver string) (models.ApprovalRecord, error) {
	if s.cfg.Approvals == nil || s.cfg.Catalog == nil {
		return models.ApprovalRecord{}, utils.NotConfigured("DecideApproval", "approvals")
	}
	if _, err := s.cfg.Catalog.Get(name); err != nil {
		return models.ApprovalRecord{}, err
	}
	d, err := models.ParseDecision(decision)
	if err != nil {
		return models.ApprovalRecord{}, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return models.ApprovalRecord{}, fmt.Errorf("%w: approver is required", models.ErrInvalidArgument)
	}

	rec, err := s.cfg.Approvals.Decide(ctx, name, opCtx, d, approver)
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	if s.cfg.Publisher != nil {
		ev := models.Event{
			Type:   models.EventApprovalDecided,
			Source: "coordinator",
			Payload: map[string]any{
				"operation":   name,
				"context":     rec.ContextKey,
				"approval_id": rec.ID,
				"decision":    string(rec.Decision),
				"approver":    approver,
			},
		}
		if err := s.cfg.Publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("approval event publish failed", slog.Any("error", err))
		}
	}
	return rec, nil
}

// GetAlertState returns the state machine record for (metric, scope).
func (s *CoordinatorService) GetAlertState(_ context.Context, metric, scope string) (models.AlertState, error) {
	if strings.TrimSpace(metric) == "" {
		return models.AlertState{}, fmt.Errorf("%w: metric is required", models.ErrInvalidArgument)
	}
	if s.cfg.Alerts == nil {
		return models.AlertState{}, utils.NotConfigured("GetAlertState", "threshold engine")
	}
	return s.cfg.Alerts.State(metric, scope)
}

// GetValidationVerdict returns the latest verdict for the pair whose source
// and target tables match.
func (s *CoordinatorService) GetValidationVerdict(ctx context.Context, sourceTable, targetTable string) (models.ValidationVerdict, error) {
	if sourceTable == "" || targetTable == "" {
		return models.ValidationVerdict{}, fmt.Errorf("%w: source and target tables are required", models.ErrInvalidArgument)
	}
	if s.cfg.Verdicts == nil {
		return models.ValidationVerdict{}, utils.NotConfigured("GetValidationVerdict", "verdict history")
	}
	pair := models.TablePair{Source: models.TableRef{Table: sourceTable}, Target: models.TableRef{Table: targetTable}}
	return s.cfg.Verdicts.LatestVerdict(ctx, pair.Key())
}

// Summary aggregates run outcomes, open approvals, active alerts and the
// latest verdicts for the dashboard.
func (s *CoordinatorService) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{
		GeneratedAt:   s.clock().UTC(),
		Operators:     make(map[string]map[models.Outcome]int),
		Operations:    make(map[string]map[models.Outcome]int),
		OpenApprovals: []models.ApprovalRecord{},
		ActiveAlerts:  []models.AlertState{},
		Verdicts:      []models.ValidationVerdict{},
	}

	if s.cfg.Results != nil {
		counts, err := s.cfg.Results.Counts(ctx)
		if err != nil {
			return Summary{}, fmt.Errorf("count results: %w", err)
		}
		for op, outcomes := range counts {
			sum.Operations[op] = outcomes
			operator := "unregistered"
			if s.cfg.Catalog != nil {
				if desc, err := s.cfg.Catalog.Get(op); err == nil {
					operator = string(desc.Operator)
				}
			}
			if sum.Operators[operator] == nil {
				sum.Operators[operator] = make(map[models.Outcome]int)
			}
			for outcome, n := range outcomes {
				sum.Operators[operator][outcome] += n
			}
		}
	}

	if s.cfg.Approvals != nil {
		open, err := s.cfg.Approvals.Open(ctx)
		if err != nil {
			return Summary{}, fmt.Errorf("list approvals: %w", err)
		}
		sum.OpenApprovals = append(sum.OpenApprovals, open...)
	}
	if s.cfg.Alerts != nil {
		sum.ActiveAlerts = append(sum.ActiveAlerts, s.cfg.Alerts.Active()...)
	}
	if s.cfg.Verdicts != nil {
		verdicts, err := s.cfg.Verdicts.LatestVerdicts(ctx)
		if err != nil {
			return Summary{}, fmt.Errorf("list verdicts: %w", err)
		}
		sum.Verdicts = append(sum.Verdicts, verdicts...)
	}
	if s.cfg.History != nil {
		sum.Alerts = s.cfg.History.Summary()
	}
	return sum, nil
}
