package gate

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/core"
)

// Safety rule identifiers.
const (
	RuleAsync          = "async_control_flow"
	RuleUnjoinedWork   = "unjoined_background_work"
	RuleNetworkTimeout = "network_without_timeout"
	RuleSyntax         = "syntax"
)

// GeneratedDir is the artifact subdirectory holding generated source files.
const GeneratedDir = "generated"

// Source is one piece of generated code.
type Source struct {
	Path     string
	Language string
	Content  string
}

// Finding is a single safety violation.
type Finding struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d: %s: %s", f.Path, f.Line, f.Rule, f.Message)
}

// Rules selects which safety rules are enforced.
type Rules struct {
	ForbidAsync     bool
	RequireJoin     bool
	RequireTimeouts bool
}

// AllRules enforces every rule.
var AllRules = Rules{ForbidAsync: true, RequireJoin: true, RequireTimeouts: true}

// RulesFor derives the rules from contract execution constraints.
func RulesFor(c *contract.Contract) Rules {
	if c == nil {
		return AllRules
	}
	ec := c.ExecutionConstraints
	return Rules{ForbidAsync: ec.AsyncForbidden(), RequireJoin: ec.JoinRequired(), RequireTimeouts: ec.TimeoutsRequired()}
}

// ExecutionSafetyGate statically scans generated code.
type ExecutionSafetyGate struct{}

// NewExecutionSafetyGate returns an ExecutionSafetyGate.
func NewExecutionSafetyGate() *ExecutionSafetyGate { return &ExecutionSafetyGate{} }

// Name implements Gate.
func (g *ExecutionSafetyGate) Name() string { return NameSafety }

// Check implements Gate. Without generated code it passes.
func (g *ExecutionSafetyGate) Check(_ context.Context, in Input) core.GateResult {
	sources := CollectSources(in)
	if len(sources) == 0 {
		return core.Pass(NameSafety, "no generated code")
	}
	findings := ScanSources(sources, RulesFor(in.Contract))
	if len(findings) > 0 {
		return core.Fail(NameSafety, fmt.Sprintf("%d safety finding(s)", len(findings)), map[string]any{"findings": findingStrings(findings)})
	}
	return core.Pass(NameSafety, fmt.Sprintf("%d source(s) scanned", len(sources)))
}

// CollectSources gathers generated code from outputs ("code" with optional
// "language", and "files" as path to content) and from the generated/
// subdirectory of the artifact directory.
func CollectSources(in Input) []Source {
	var out []Source
	if code, ok := in.Outputs["code"].(string); ok && code != "" {
		lang, _ := in.Outputs["language"].(string)
		if lang == "" {
			lang = "go"
		}
		out = append(out, Source{Path: "code", Language: strings.ToLower(lang), Content: code})
	}
	switch files := in.Outputs["files"].(type) {
	case map[string]string:
		for p, c := range files {
			out = append(out, Source{Path: p, Language: languageOf(p), Content: c})
		}
	case map[string]any:
		for p, c := range files {
			if s, ok := c.(string); ok {
				out = append(out, Source{Path: p, Language: languageOf(p), Content: s})
			}
		}
	}
	if in.Dir.Path() != "" {
		if names, err := in.Dir.List(); err == nil {
			for _, n := range names {
				if !strings.HasPrefix(n, GeneratedDir+"/") {
					continue
				}
				data, err := in.Dir.Read(n)
				if err != nil {
					continue
				}
				out = append(out, Source{Path: n, Language: languageOf(n), Content: string(data)})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func languageOf(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs", ".ts":
		return "javascript"
	default:
		return "text"
	}
}

// ScanSources scans every source with the rules enabled.
func ScanSources(sources []Source, rules Rules) []Finding {
	var findings []Finding
	for _, s := range sources {
		if s.Language == "go" || s.Language == "golang" {
			findings = append(findings, ScanGo(s.Path, s.Content, rules)...)
			continue
		}
		findings = append(findings, ScanLines(s.Path, s.Content, rules)...)
	}
	return findings
}

// ScanGo parses Go source and reports safety findings. A parse failure is
// reported as a syntax finding.
func ScanGo(name, src string, rules Rules) []Finding {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name, src, 0)
	if err != nil {
		return []Finding{{Path: name, Rule: RuleSyntax, Message: err.Error()}}
	}

	var findings []Finding
	add := func(pos token.Pos, rule, msg string) {
		findings = append(findings, Finding{Path: name, Line: fset.Position(pos).Line, Rule: rule, Message: msg})
	}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		joins := callsWait(fn.Body)
		ast.Inspect(fn.Body, func(node ast.Node) bool {
			switch n := node.(type) {
			case *ast.GoStmt:
				if rules.RequireJoin && !joins {
					add(n.Go, RuleUnjoinedWork, "goroutine started without a matching Wait")
				}
			case *ast.SelectStmt:
				if rules.ForbidAsync && selectHasDefault(n) {
					add(n.Select, RuleAsync, "non-blocking select polling")
				}
			case *ast.CallExpr:
				callPath := selectorPath(n.Fun)
				switch {
				case rules.ForbidAsync && callPath == "time.AfterFunc":
					add(n.Lparen, RuleAsync, "deferred callback via time.AfterFunc")
				case rules.RequireTimeouts && isUntimedNetCall(callPath):
					add(n.Lparen, RuleNetworkTimeout, callPath+" has no timeout")
				}
			case *ast.CompositeLit:
				if rules.RequireTimeouts && selectorPath(n.Type) == "http.Client" && !hasField(n, "Timeout") {
					add(n.Lbrace, RuleNetworkTimeout, "http.Client without Timeout")
				}
			}
			return true
		})
	}
	return findings
}

var untimedNetCalls = map[string]bool{
	"http.Get":                true,
	"http.Post":               true,
	"http.Head":               true,
	"http.PostForm":           true,
	"http.DefaultClient.Do":   true,
	"http.DefaultClient.Get":  true,
	"http.DefaultClient.Post": true,
	"http.DefaultClient.Head": true,
	"net.Dial":                true,
}

func isUntimedNetCall(callPath string) bool {
	return untimedNetCalls[callPath]
}

func callsWait(body *ast.BlockStmt) bool {
	found := false
	ast.Inspect(body, func(node ast.Node) bool {
		if call, ok := node.(*ast.CallExpr); ok {
			if sel, ok := call.Fun.(*ast.SelectorExpr); ok && sel.Sel.Name == "Wait" {
				found = true
			}
		}
		return !found
	})
	return found
}

func selectHasDefault(s *ast.SelectStmt) bool {
	for _, stmt := range s.Body.List {
		if cc, ok := stmt.(*ast.CommClause); ok && cc.Comm == nil {
			return true
		}
	}
	return false
}

func hasField(lit *ast.CompositeLit, field string) bool {
	for _, elt := range lit.Elts {
		if kv, ok := elt.(*ast.KeyValueExpr); ok {
			if id, ok := kv.Key.(*ast.Ident); ok && id.Name == field {
				return true
			}
		}
	}
	return false
}

// selectorPath renders a dotted expression such as http.DefaultClient.Do.
func selectorPath(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.Ident:
		return e.Name
	case *ast.SelectorExpr:
		base := selectorPath(e.X)
		if base == "" {
			return ""
		}
		return base + "." + e.Sel.Name
	case *ast.StarExpr:
		return selectorPath(e.X)
	}
	return ""
}

type linePattern struct {
	rule    string
	re      *regexp.Regexp
	exempt  *regexp.Regexp
	message string
}

var (
	asyncPatterns = []linePattern{
		{rule: RuleAsync, re: regexp.MustCompile(`\basync\s+(def|function)\b`), message: "async function"},
		{rule: RuleAsync, re: regexp.MustCompile(`\bawait\s`), message: "await expression"},
		{rule: RuleAsync, re: regexp.MustCompile(`\basyncio\.`), message: "asyncio usage"},
		{rule: RuleAsync, re: regexp.MustCompile(`\.then\(`), message: "promise chain"},
	}
	timeoutPatterns = []linePattern{
		{rule: RuleNetworkTimeout, re: regexp.MustCompile(`\brequests\.(get|post|put|patch|delete|head|request)\(`), exempt: regexp.MustCompile(`\btimeout\s*=`), message: "requests call without timeout"},
		{rule: RuleNetworkTimeout, re: regexp.MustCompile(`\burlopen\(`), exempt: regexp.MustCompile(`\btimeout\s*=`), message: "urlopen without timeout"},
	}
	threadStart = regexp.MustCompile(`\bthreading\.Thread\(`)
	threadJoin  = regexp.MustCompile(`\.join\(`)
)

// ScanLines applies line-oriented patterns to non-Go sources.
func ScanLines(name, src string, rules Rules) []Finding {
	lines := strings.Split(src, "\n")
	var patterns []linePattern
	if rules.ForbidAsync {
		patterns = append(patterns, asyncPatterns...)
	}
	if rules.RequireTimeouts {
		patterns = append(patterns, timeoutPatterns...)
	}

	var findings []Finding
	joined := threadJoin.MatchString(src)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			continue
		}
		for _, p := range patterns {
			if p.re.MatchString(line) && (p.exempt == nil || !p.exempt.MatchString(line)) {
				findings = append(findings, Finding{Path: name, Line: i + 1, Rule: p.rule, Message: p.message})
			}
		}
		if rules.RequireJoin && !joined && threadStart.MatchString(line) {
			findings = append(findings, Finding{Path: name, Line: i + 1, Rule: RuleUnjoinedWork, Message: "thread started without join"})
		}
	}
	return findings
}

func findingStrings(fs []Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.String()
	}
	return out
}
