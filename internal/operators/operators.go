// Package operators defines the provisioning, performance and health
// capabilities as operation descriptors the registry can load.
package operators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lakeops/opscore/internal/engine"
	"github.com/lakeops/opscore/internal/events"
	"github.com/lakeops/opscore/internal/extractors"
	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/retry"
)

// DataSources resolves the named source that serves the system views.
type DataSources interface {
	Source(name string) (models.DataSource, error)
}

// Actions invokes idempotent platform actions.
type Actions interface {
	Invoke(ctx context.Context, action string, scope models.Scope, payload map[string]any) (map[string]any, error)
}

// Sink appends rows to an analytics table.
type Sink interface {
	Append(ctx context.Context, table string, rows []models.Row) error
}

// Publisher emits bus events.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Triage runs the threshold pipeline over collected samples. Levels previews
// severities without advancing alert state.
type Triage interface {
	Levels(scope models.Scope, samples []models.MetricSample) map[string]models.Severity
	Process(ctx context.Context, scope models.Scope, samples []models.MetricSample) (engine.Report, error)
}

// Validator checks a table pair for drift.
type Validator interface {
	Validate(ctx context.Context, pair models.TablePair) (models.ValidationVerdict, error)
}

// Trigger runs an operation ad hoc.
type Trigger interface {
	Trigger(ctx context.Context, name string, opCtx models.OpContext) (models.TaskResult, error)
}

// Scheduler registers recurring dispatches.
type Scheduler interface {
	Schedule(name, spec string, contexts ...models.OpContext) error
}

// Subscriber attaches event handlers.
type Subscriber interface {
	Subscribe(kind models.EventType, name string, handler events.Handler) func()
}

// Policy tunes operator behaviour.
type Policy struct {
	MaxIdle        time.Duration
	BranchTTL      time.Duration
	ColdDataDays   int
	ColdTables     []string
	VacuumTables   []string
	OutlierZScore  float64
	ArchiveCatalog string
}

// Deps are the collaborators operator units close over. Nil collaborators
// make the units that need them fail with a configuration error.
type Deps struct {
	Sources   DataSources
	Source    string
	Actions   Actions
	Sink      Sink
	Publisher Publisher
	Metrics   *extractors.MetricExtractor
	Triage    Triage
	Validator Validator
	Pairs     []models.TablePair
	Policy    Policy
	Logger    *slog.Logger
	Clock     func() time.Time
}

const actor = "opscore"

type toolkit struct {
	Deps
}

func newToolkit(d Deps) *toolkit {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = extractors.NewMetricExtractor(0)
	}
	if d.Policy.MaxIdle <= 0 {
		d.Policy.MaxIdle = 30 * time.Minute
	}
	if d.Policy.BranchTTL <= 0 {
		d.Policy.BranchTTL = 72 * time.Hour
	}
	if d.Policy.ColdDataDays <= 0 {
		d.Policy.ColdDataDays = 90
	}
	if d.Policy.ArchiveCatalog == "" {
		d.Policy.ArchiveCatalog = "ops_catalog.lakebase_archive"
	}
	return &toolkit{Deps: d}
}

// All returns every operator's descriptors.
func All(d Deps) []models.OperationDescriptor {
	k := newToolkit(d)
	out := k.provisioning()
	out = append(out, k.performance()...)
	return append(out, k.health()...)
}

// Provisioning returns the provisioning operator's descriptors.
func Provisioning(d Deps) []models.OperationDescriptor { return newToolkit(d).provisioning() }

// Performance returns the performance operator's descriptors.
func Performance(d Deps) []models.OperationDescriptor { return newToolkit(d).performance() }

// Health returns the health operator's descriptors.
func Health(d Deps) []models.OperationDescriptor { return newToolkit(d).health() }

type binding int

const (
	bindBranch binding = iota
	bindProject
	bindGlobal
)

// bindings lists scheduled operations that do not run once per branch.
var bindings = map[string]binding{
	OpEnforceBranchTTL: bindProject,
	OpValidateSync:     bindGlobal,
}

// Schedule registers every descriptor that carries a schedule, once per scope
// for branch-level work, once per project for project-level work and once
// overall for global work.
func Schedule(s Scheduler, descs []models.OperationDescriptor, scopes []models.Scope) error {
	projects := make([]models.OpContext, 0, len(scopes))
	branches := make([]models.OpContext, 0, len(scopes))
	seen := make(map[string]struct{})
	for _, scope := range scopes {
		branches = append(branches, scope.Context())
		if _, ok := seen[scope.Project]; !ok {
			seen[scope.Project] = struct{}{}
			projects = append(projects, models.Scope{Project: scope.Project}.Context())
		}
	}

	for _, desc := range descs {
		if desc.Schedule == "" {
			continue
		}
		var contexts []models.OpContext
		switch bindings[desc.Name] {
		case bindProject:
			contexts = projects
		case bindBranch:
			contexts = branches
		}
		if bindings[desc.Name] != bindGlobal && len(contexts) == 0 {
			continue
		}
		if err := s.Schedule(desc.Name, desc.Schedule, contexts...); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe wires the cross-operator handoffs: a completed provisioning run
// bootstraps the performance baseline of the new project's production branch.
func Subscribe(bus Subscriber, trigger Trigger, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	return bus.Subscribe(models.EventProvisioningComplete, "performance-bootstrap", func(ctx context.Context, ev models.Event) error {
		project, _ := ev.Payload["project_id"].(string)
		if project == "" {
			logger.Warn("provisioning event without project", slog.String("event", ev.ID))
			return nil
		}
		scope := models.Scope{Project: project, Branch: "production"}
		res, err := trigger.Trigger(ctx, OpBootstrapBaseline, scope.Context())
		if errors.Is(err, models.ErrInFlight) {
			return retry.Transient(err)
		}
		if err != nil {
			return err
		}
		logger.Info("performance baseline bootstrapped", slog.String("project", project), slog.String("run_id", res.ID))
		return nil
	})
}

func (k *toolkit) source() (models.DataSource, error) {
	if k.Sources == nil {
		return nil, errors.New("no data sources configured")
	}
	return k.Sources.Source(k.Source)
}

func (k *toolkit) query(ctx context.Context, scope models.Scope, queryID string, params map[string]any) ([]models.Row, error) {
	src, err := k.source()
	if err != nil {
		return nil, err
	}
	rows, err := src.RunQuery(ctx, scope, queryID, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", queryID, err)
	}
	return rows, nil
}

func (k *toolkit) invoke(ctx context.Context, action string, scope models.Scope, payload map[string]any) (map[string]any, error) {
	if k.Actions == nil {
		return nil, errors.New("no actions API configured")
	}
	return k.Actions.Invoke(ctx, action, scope, payload)
}

func (k *toolkit) appendRows(ctx context.Context, table string, rows []models.Row) error {
	if k.Sink == nil || len(rows) == 0 {
		return nil
	}
	if err := k.Sink.Append(ctx, table, rows); err != nil {
		return fmt.Errorf("append %s: %w", table, err)
	}
	return nil
}

func (k *toolkit) publish(ctx context.Context, source string, kind models.EventType, payload map[string]any) {
	if k.Publisher == nil {
		return
	}
	if err := k.Publisher.Publish(ctx, models.Event{Type: kind, Source: source, Payload: payload}); err != nil {
		k.Logger.Warn("event publish failed", slog.String("type", string(kind)), slog.Any("error", err))
	}
}

func requireProject(call models.Call) (models.Scope, error) {
	scope := call.Scope()
	if scope.Project == "" {
		return scope, fmt.Errorf("%s: project is required", call.Operation)
	}
	return scope, nil
}

func requireBranch(call models.Call) (models.Scope, error) {
	scope, err := requireProject(call)
	if err != nil {
		return scope, err
	}
	if scope.Branch == "" {
		return scope, fmt.Errorf("%s: branch is required", call.Operation)
	}
	return scope, nil
}

func newID() string { return uuid.NewString() }
