package operators

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/lakeops/opscore/internal/models"
)

// Provisioning operations.
const (
	OpProvisionProject     = "provision_project"
	OpCreateBranch         = "create_branch"
	OpEnforceBranchTTL     = "enforce_branch_ttl"
	OpApplySchemaMigration = "apply_schema_migration"
	OpConfigureRLS         = "configure_rls"
)

// branchTTLs maps branch name prefixes to their lifetime. Protected branches
// have none.
var branchTTLs = []struct {
	prefix string
	ttl    time.Duration
}{
	{"ci", 4 * time.Hour},
	{"hotfix", 24 * time.Hour},
	{"perf", 48 * time.Hour},
	{"feat", 7 * 24 * time.Hour},
	{"dev", 7 * 24 * time.Hour},
	{"demo", 14 * 24 * time.Hour},
	{"qa", 14 * 24 * time.Hour},
	{"audit", 30 * 24 * time.Hour},
	{"ai-agent", time.Hour},
}

// TTLFor returns the lifetime a branch name implies, zero for none.
func TTLFor(branch string) time.Duration {
	if branch == "production" || branch == "staging" {
		return 0
	}
	for _, p := range branchTTLs {
		if strings.HasPrefix(branch, p.prefix) {
			return p.ttl
		}
	}
	return 0
}

func (k *toolkit) provisioning() []models.OperationDescriptor {
	return []models.OperationDescriptor{
		{
			Name:        OpProvisionProject,
			Operator:    models.OperatorProvisioning,
			Description: "Create a project with protected production and staging branches and a development branch.",
			Risk:        models.RiskMedium,
			Unit:        k.provisionProject,
		},
		{
			Name:        OpCreateBranch,
			Operator:    models.OperatorProvisioning,
			Description: "Create a branch from a parent with the TTL its name prefix implies.",
			Risk:        models.RiskLow,
			Unit:        k.createBranch,
		},
		{
			Name:        OpEnforceBranchTTL,
			Operator:    models.OperatorProvisioning,
			Description: "Delete unprotected branches past their TTL.",
			Risk:        models.RiskLow,
			Schedule:    "0 */6 * * *",
			Unit:        k.enforceBranchTTL,
		},
		{
			Name:        OpApplySchemaMigration,
			Operator:    models.OperatorProvisioning,
			Description: "Apply idempotent DDL to a branch.",
			Risk:        models.RiskMedium,
			Unit:        k.applySchemaMigration,
		},
		{
			Name:        OpConfigureRLS,
			Operator:    models.OperatorProvisioning,
			Description: "Enable row-level security policies for tenant schemas.",
			Risk:        models.RiskHigh,
			Unit:        k.configureRLS,
		},
	}
}

type branchSpec struct {
	name      string
	parent    string
	protected bool
	ttl       time.Duration
}

func (k *toolkit) provisionProject(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireProject(call)
	if err != nil {
		return models.Output{}, err
	}
	project := models.Scope{Project: scope.Project}
	if _, err := k.invoke(ctx, "create_project", project, nil); err != nil {
		return models.Output{}, err
	}

	specs := []branchSpec{
		{name: "production", protected: true},
		{name: "staging", parent: "production", protected: true},
		{name: "development", parent: "staging", ttl: TTLFor("dev")},
	}
	rows := make([]models.Row, 0, len(specs))
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		if _, err := k.invoke(ctx, "create_branch", project, branchPayload(spec)); err != nil {
			return models.Output{}, err
		}
		rows = append(rows, k.lifecycleRow(models.Scope{Project: scope.Project, Branch: spec.name}, "created", spec, "initial project setup"))
		names = append(names, spec.name)
	}
	if err := k.appendRows(ctx, models.TableBranchLifecycle, rows); err != nil {
		return models.Output{}, err
	}

	k.publish(ctx, string(models.OperatorProvisioning), models.EventProvisioningComplete, map[string]any{
		"project_id": scope.Project,
		"branches":   names,
	})
	return models.Output{Records: len(rows), Detail: map[string]any{"branches": names}}, nil
}

func (k *toolkit) createBranch(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireBranch(call)
	if err != nil {
		return models.Output{}, err
	}
	spec := branchSpec{
		name:   scope.Branch,
		parent: call.Context["source_branch"],
		ttl:    TTLFor(scope.Branch),
	}
	if spec.parent == "" {
		spec.parent = "development"
	}
	if raw := call.Context["ttl_seconds"]; raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			return models.Output{}, fmt.Errorf("invalid ttl_seconds %q", raw)
		}
		spec.ttl = time.Duration(secs) * time.Second
	}

	project := models.Scope{Project: scope.Project}
	if _, err := k.invoke(ctx, "create_branch", project, branchPayload(spec)); err != nil {
		return models.Output{}, err
	}
	row := k.lifecycleRow(scope, "created", spec, "branch creation")
	if err := k.appendRows(ctx, models.TableBranchLifecycle, []models.Row{row}); err != nil {
		return models.Output{}, err
	}
	k.publish(ctx, string(models.OperatorProvisioning), models.EventBranchCreated, map[string]any{
		"project_id":    scope.Project,
		"branch_id":     scope.Branch,
		"source_branch": spec.parent,
	})
	return models.Output{Records: 1, Detail: map[string]any{"ttl_seconds": int64(spec.ttl.Seconds())}}, nil
}

func (k *toolkit) enforceBranchTTL(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireProject(call)
	if err != nil {
		return models.Output{}, err
	}
	project := models.Scope{Project: scope.Project}
	resp, err := k.invoke(ctx, "list_branches", project, nil)
	if err != nil {
		return models.Output{}, err
	}
	listed, _ := resp["branches"].([]any)

	now := k.Clock().UTC()
	var deleted, kept []string
	rows := make([]models.Row, 0)
	for _, item := range listed {
		branch := models.Row{}
		if m, ok := item.(map[string]any); ok {
			branch = m
		}
		name := branch.String("name")
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		if name == "" {
			continue
		}
		ttl := TTLFor(name)
		if secs, ok := branch.Int("ttl_seconds"); ok && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
		created, hasCreated := branch.Time("created_at")
		if branch.Bool("is_protected") || ttl == 0 || !hasCreated || !now.After(created.Add(ttl)) {
			kept = append(kept, name)
			continue
		}

		if _, err := k.invoke(ctx, "delete_branch", project, map[string]any{"branch": name}); err != nil {
			return models.Output{}, err
		}
		deleted = append(deleted, name)
		rows = append(rows, k.lifecycleRow(models.Scope{Project: scope.Project, Branch: name}, "deleted",
			branchSpec{name: name, ttl: ttl}, fmt.Sprintf("TTL of %s expired", ttl)))
		k.publish(ctx, string(models.OperatorProvisioning), models.EventBranchDeleted, map[string]any{
			"project_id": scope.Project,
			"branch_id":  name,
			"reason":     "ttl_expired",
		})
	}
	if err := k.appendRows(ctx, models.TableBranchLifecycle, rows); err != nil {
		return models.Output{}, err
	}
	return models.Output{Records: len(deleted), Detail: map[string]any{"deleted": deleted, "kept": kept}}, nil
}

func (k *toolkit) applySchemaMigration(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireBranch(call)
	if err != nil {
		return models.Output{}, err
	}
	statements := splitStatements(call.Context["ddl"])
	if len(statements) == 0 {
		return models.Output{}, fmt.Errorf("%s: ddl is required", call.Operation)
	}

	var applied, rejected []string
	for _, stmt := range statements {
		if IdempotentDDL(stmt) {
			applied = append(applied, stmt)
		} else {
			rejected = append(rejected, stmt)
		}
	}
	if len(applied) == 0 {
		return models.Output{}, fmt.Errorf("%s: all %d statements are non-idempotent", call.Operation, len(rejected))
	}
	if _, err := k.invoke(ctx, "execute_ddl", scope, map[string]any{"statements": applied}); err != nil {
		return models.Output{}, err
	}
	k.publish(ctx, string(models.OperatorProvisioning), models.EventSchemaMigrated, map[string]any{
		"project_id":         scope.Project,
		"branch_id":          scope.Branch,
		"migrations_applied": len(applied),
	})
	return models.Output{Records: len(applied), Detail: map[string]any{"rejected": rejected}}, nil
}

func (k *toolkit) configureRLS(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireBranch(call)
	if err != nil {
		return models.Output{}, err
	}
	table := call.Context["table"]
	if table == "" {
		table = "orders"
	}
	tenants := splitList(call.Context["tenants"])
	if len(tenants) == 0 {
		return models.Output{}, fmt.Errorf("%s: tenants are required", call.Operation)
	}

	statements := make([]string, 0, len(tenants)*3)
	for _, tenant := range tenants {
		schema := pq.QuoteIdentifier(tenant)
		qualified := schema + "." + pq.QuoteIdentifier(table)
		statements = append(statements,
			fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema),
			fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", qualified),
			fmt.Sprintf("CREATE POLICY %s ON %s USING (tenant_id = current_setting('app.tenant_id'))",
				pq.QuoteIdentifier(tenant+"_isolation"), qualified),
		)
	}
	if _, err := k.invoke(ctx, "execute_ddl", scope, map[string]any{"statements": statements}); err != nil {
		return models.Output{}, err
	}
	return models.Output{Records: len(tenants), Detail: map[string]any{"statements": len(statements)}}, nil
}

// IdempotentDDL reports whether stmt can be replayed safely.
func IdempotentDDL(stmt string) bool {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	for _, p := range []string{"IF NOT EXISTS", "IF EXISTS", "OR REPLACE"} {
		if strings.Contains(upper, p) {
			return true
		}
	}
	for _, p := range []string{"DROP TABLE ", "DROP INDEX ", "TRUNCATE "} {
		if strings.Contains(upper, p) {
			return false
		}
	}
	for _, p := range []string{"INSERT", "UPDATE", "DELETE", "SELECT"} {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return !strings.HasPrefix(upper, "CREATE")
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func branchPayload(spec branchSpec) map[string]any {
	payload := map[string]any{
		"branch":    spec.name,
		"protected": spec.protected,
	}
	if spec.parent != "" {
		payload["source_branch"] = spec.parent
	}
	if spec.ttl > 0 {
		payload["ttl_seconds"] = int64(spec.ttl.Seconds())
	}
	return payload
}

func (k *toolkit) lifecycleRow(scope models.Scope, event string, spec branchSpec, reason string) models.Row {
	row := models.Row{
		"event_id":        newID(),
		"project_id":      scope.Project,
		"branch_id":       scope.Branch,
		"event_type":      event,
		"source_branch":   spec.parent,
		"is_protected":    spec.protected,
		"actor":           actor,
		"reason":          reason,
		"event_timestamp": k.Clock().UTC(),
	}
	if spec.ttl > 0 {
		row["ttl_seconds"] = int64(spec.ttl.Seconds())
	}
	return row
}
