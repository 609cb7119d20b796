package models

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// RiskLevel classifies the blast radius of an operation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ParseRiskLevel converts free-form input into a RiskLevel.
func ParseRiskLevel(value string) (RiskLevel, error) {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(value)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown risk level %q", value)
	}
	return r, nil
}

// Operator names the automated role that owns an operation.
type Operator string

const (
	OperatorProvisioning Operator = "provisioning"
	OperatorPerformance  Operator = "performance"
	OperatorHealth       Operator = "health"
)

// OpContext carries the parameters that identify what an operation acts on.
type OpContext map[string]string

// Key returns a canonical representation used to match approvals.
func (c OpContext) Key() string {
	if len(c) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c[k])
	}
	return strings.Join(parts, "&")
}

// Clone returns an independent copy.
func (c OpContext) Clone() OpContext {
	if c == nil {
		return OpContext{}
	}
	out := make(OpContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Scope extracts the project/branch pair the context targets.
func (c OpContext) Scope() Scope {
	return Scope{Project: c["project"], Branch: c["branch"]}
}

// ParseOpContext parses the canonical "k=v&k=v" form produced by Key.
func ParseOpContext(key string) (OpContext, error) {
	out := OpContext{}
	if strings.TrimSpace(key) == "" {
		return out, nil
	}
	for _, part := range strings.Split(key, "&") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed context pair %q", part)
		}
		out[k] = v
	}
	return out, nil
}

// Scope identifies a project branch.
type Scope struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
}

func (s Scope) String() string {
	if s.Branch == "" {
		return s.Project
	}
	return s.Project + "/" + s.Branch
}

// ParseScope is the inverse of Scope.String.
func ParseScope(value string) Scope {
	project, branch, _ := strings.Cut(value, "/")
	return Scope{Project: project, Branch: branch}
}

// Context converts the scope into an OpContext.
func (s Scope) Context() OpContext {
	ctx := OpContext{}
	if s.Project != "" {
		ctx["project"] = s.Project
	}
	if s.Branch != "" {
		ctx["branch"] = s.Branch
	}
	return ctx
}

// Call is what a unit receives for one attempt.
type Call struct {
	Operation string
	Context   OpContext
	Session   Session
	Attempt   int
}

// Scope is shorthand for Context.Scope().
func (c Call) Scope() Scope { return c.Context.Scope() }

// Output summarises what a unit produced.
type Output struct {
	Records int
	Detail  map[string]any
}

// Unit is the executable body of an operation.
type Unit func(ctx context.Context, call Call) (Output, error)

// OperationDescriptor catalogs one named operation.
type OperationDescriptor struct {
	Name             string
	Operator         Operator
	Description      string
	Risk             RiskLevel
	ApprovalRequired bool
	Schedule         string
	Unit             Unit
}

// RequiresApproval reports whether dispatch must be preceded by a human decision.
func (d OperationDescriptor) RequiresApproval() bool {
	return d.Risk == RiskHigh || d.ApprovalRequired
}
