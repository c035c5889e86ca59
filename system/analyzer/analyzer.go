// Package analyzer implements the static security pass over a parsed AST:
// it rejects dangerous patterns (reflection, dynamic code construction,
// forbidden imports) including ones assembled indirectly through string
// concatenation or dynamic attribute access.
package analyzer

import (
	"sort"

	"github.com/mlzerotrust/core/internal/ast"
	"github.com/mlzerotrust/core/pkg/metrics"
)

// Severity ranks an Issue. Critical/high issues reject the program; medium
// and low are advisory unless Config.TreatMediumAsFatal is set.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Issue is one finding emitted by the analyzer.
type Issue struct {
	Severity   Severity
	Message    string
	Position   ast.Position
	Suggestion string
	CWE        string
}

// Config controls which rules are configurable.
type Config struct {
	AllowedModules     []string
	TreatMediumAsFatal bool
}

var defaultDenylistedModules = []string{
	"os", "sys", "subprocess", "reflect", "unsafe", "ctypes", "importlib", "ffi", "process",
}

var forbiddenCallees = map[string]bool{
	"eval": true, "exec": true, "compile": true, "__import__": true,
}

var sensitiveCallees = map[string]int{
	// calleeName -> index of the attribute-name argument
	"getattr": 1,
	"setattr": 1,
	"hasattr": 1,
	"call":    1,
}

// Analyzer runs the configured rule set over an AST.
type Analyzer struct {
	cfg        Config
	allowed    map[string]bool
	denylisted map[string]bool
}

// New creates an Analyzer from cfg.
func New(cfg Config) *Analyzer {
	a := &Analyzer{
		cfg:        cfg,
		allowed:    make(map[string]bool, len(cfg.AllowedModules)),
		denylisted: make(map[string]bool, len(defaultDenylistedModules)),
	}
	for _, m := range cfg.AllowedModules {
		a.allowed[m] = true
	}
	for _, m := range defaultDenylistedModules {
		a.denylisted[m] = true
	}
	return a
}

// Analyze walks root and returns every issue found, ordered by source
// position (line, then column); issues at the same position keep AST
// traversal order, so output is stable. Issues accumulate; traversal
// never short-circuits.
func (a *Analyzer) Analyze(root ast.Node) []Issue {
	v := &visitor{analyzer: a}
	ast.Walk(v, root)

	issues := v.issues
	sort.SliceStable(issues, func(i, j int) bool {
		pi, pj := issues[i].Position, issues[j].Position
		if pi.Line != pj.Line {
			return pi.Line < pj.Line
		}
		return pi.Column < pj.Column
	})
	for _, iss := range issues {
		metrics.RecordAnalyzerIssue(string(iss.Severity))
	}
	return issues
}

// Reject reports whether issues should cause the program to be rejected:
// any critical or high severity issue, or medium severity when
// Config.TreatMediumAsFatal is set.
func (a *Analyzer) Reject(issues []Issue) bool {
	threshold := SeverityHigh.rank()
	if a.cfg.TreatMediumAsFatal {
		threshold = SeverityMedium.rank()
	}
	for _, iss := range issues {
		if iss.Severity.rank() >= threshold {
			return true
		}
	}
	return false
}
