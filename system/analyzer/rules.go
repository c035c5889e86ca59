package analyzer

import (
	"regexp"
	"strings"

	"github.com/mlzerotrust/core/internal/ast"
)

// dangerousLiteralPatterns matches code-injection idioms that may appear
// smuggled inside an otherwise ordinary string literal (rule 4).
var dangerousLiteralPatterns = regexp.MustCompile(`eval\s*\(|exec\s*\(|os\.system\s*\(|subprocess\.`)

// visitor implements ast.Visitor, applying every rule as it descends.
type visitor struct {
	analyzer *Analyzer
	issues   []Issue
}

func (v *visitor) Leave(ast.Node) {}

func (v *visitor) Enter(n ast.Node) bool {
	switch node := n.(type) {
	case *ast.Identifier:
		v.checkIdentifier(node)
	case *ast.MemberAccess:
		v.checkMemberAccess(node)
	case *ast.StringLiteral:
		v.checkStringLiteral(node)
	case *ast.BinaryExpression:
		v.checkBinaryExpression(node)
	case *ast.ImportStatement:
		v.checkImport(node)
	case *ast.FunctionCall:
		v.checkFunctionCall(node)
	}
	return true
}

func (v *visitor) add(severity Severity, pos ast.Position, cwe, suggestion, message string) {
	v.issues = append(v.issues, Issue{
		Severity:   severity,
		Message:    message,
		Position:   pos,
		Suggestion: suggestion,
		CWE:        cwe,
	})
}

// isDunderName reports whether name begins or ends with a double underscore.
func isDunderName(name string) bool {
	return strings.HasPrefix(name, "__") || strings.HasSuffix(name, "__")
}

// rule 1: forbidden identifiers.
func (v *visitor) checkIdentifier(n *ast.Identifier) {
	if isDunderName(n.Name) {
		v.add(SeverityCritical, n.Pos(), "CWE-749",
			"reflective/dunder identifiers are never accessible to source programs",
			"identifier \""+n.Name+"\" begins or ends with a double underscore")
	}
}

// rule 1 (direct form): `obj.__class__` is dunder access through the attr
// name carried directly on the node rather than a separate Identifier, so
// it needs its own check alongside checkIdentifier.
func (v *visitor) checkMemberAccess(n *ast.MemberAccess) {
	if isDunderName(n.Attr) {
		v.add(SeverityCritical, n.Pos(), "CWE-749",
			"reflective/dunder attributes are never accessible to source programs",
			"member access \"."+n.Attr+"\" begins or ends with a double underscore")
	}
}

// rule 4: dangerous string literals.
func (v *visitor) checkStringLiteral(n *ast.StringLiteral) {
	if isDunderName(n.Value) {
		v.add(SeverityCritical, n.Pos(), "CWE-749",
			"do not pass dunder-shaped strings to dynamic-dispatch primitives",
			"string literal \""+n.Value+"\" is shaped like a reflective dunder name")
		return
	}
	if dangerousLiteralPatterns.MatchString(n.Value) {
		v.add(SeverityCritical, n.Pos(), "CWE-94",
			"remove the embedded code-execution idiom from this literal",
			"string literal contains a code-injection pattern")
	}
}

// rule 5: dynamic dunder construction via string concatenation. A fragment
// is "short enough to be part of a dunder name" at length <= 10, matching
// the threshold below which "__" inside it is almost certainly a
// deliberately split dunder rather than incidental substring.
const dunderFragmentMaxLen = 10

func (v *visitor) checkBinaryExpression(n *ast.BinaryExpression) {
	if n.Op != ast.OpAdd {
		return
	}
	left, leftOK := n.Left.(*ast.StringLiteral)
	right, rightOK := n.Right.(*ast.StringLiteral)
	if !leftOK || !rightOK {
		return
	}
	if fragmentIsSuspicious(left.Value) || fragmentIsSuspicious(right.Value) {
		v.add(SeverityCritical, n.Pos(), "CWE-749",
			"do not assemble dunder-shaped names via string concatenation",
			"string concatenation assembles a dunder-shaped name from literal fragments")
	}
}

func fragmentIsSuspicious(s string) bool {
	if strings.HasPrefix(s, "__") || strings.HasSuffix(s, "__") {
		return true
	}
	return len(s) <= dunderFragmentMaxLen && strings.Contains(s, "__")
}

// rule 3: import allowlist, plus an always-denied set of reflection/process
// adjacent modules regardless of configured allowlist.
func (v *visitor) checkImport(n *ast.ImportStatement) {
	if v.analyzer.denylisted[n.Path] {
		v.add(SeverityCritical, n.Pos(), "CWE-829",
			"remove this import; the module is never importable from source",
			"import of reflection/process-adjacent module \""+n.Path+"\" is always rejected")
		return
	}
	if !v.analyzer.allowed[n.Path] {
		v.add(SeverityCritical, n.Pos(), "CWE-829",
			"add this module to the configured allowlist, or remove the import",
			"import \""+n.Path+"\" is not in the configured allowlist")
	}
}

// rule 2 and rule 6/7: forbidden function names and sensitive call
// argument validation. Nested sensitive calls are covered for free: each
// FunctionCall node — including ones nested inside another call's
// argument list — is visited independently by ast.Walk, so a reflection
// chain like getattr(getattr(o, "__x__"), "__y__") has both call sites
// checked.
func (v *visitor) checkFunctionCall(n *ast.FunctionCall) {
	callee, ok := n.Callee.(*ast.Identifier)
	if !ok {
		return
	}
	if forbiddenCallees[callee.Name] {
		v.add(SeverityCritical, n.Pos(), "CWE-94",
			"dynamic code construction/execution is never permitted",
			"call to forbidden function \""+callee.Name+"\"")
	}

	argIdx, sensitive := sensitiveCallees[callee.Name]
	if !sensitive || argIdx >= len(n.Args) {
		return
	}
	v.checkSensitiveArgument(callee.Name, n.Args[argIdx])
}

// checkSensitiveArgument implements rule 6: the attribute-name argument to
// getattr/setattr/hasattr/call must be a literal string and must not begin
// with an underscore.
func (v *visitor) checkSensitiveArgument(calleeName string, arg ast.Node) {
	switch a := arg.(type) {
	case *ast.StringLiteral:
		if strings.HasPrefix(a.Value, "_") {
			v.add(SeverityCritical, a.Pos(), "CWE-749",
				"the attribute name must not begin with an underscore",
				calleeName+"'s attribute-name argument \""+a.Value+"\" begins with an underscore")
		}
	case *ast.BinaryExpression:
		v.add(SeverityCritical, a.Pos(), "CWE-915",
			"pass a fixed string literal, not a dynamically constructed one",
			calleeName+"'s attribute-name argument is dynamically constructed")
	default:
		v.add(SeverityCritical, arg.Pos(), "CWE-915",
			"pass a fixed string literal as the attribute name",
			calleeName+"'s attribute-name argument must be a literal string")
	}
}
