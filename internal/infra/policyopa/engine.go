package policyopa

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"takserver/internal/domain"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
)

const packagesQuery = "data.takserver.packages.result"

//go:embed policy/*.rego
var defaultPolicy embed.FS

// Engine answers package authorization questions. Operator settings are
// exposed to policies as data.takserver.settings rather than per-request
// input.
type Engine struct {
	query      rego.PreparedEvalQuery
	bundleHash string
}

// NewDefaultEngine compiles the package authorization policy shipped with
// the server.
func NewDefaultEngine(ctx context.Context, settings domain.PolicySettings) (*Engine, error) {
	return NewEngineFromFS(ctx, defaultPolicy, "policy", settings)
}

func NewEngineFromBundlePath(ctx context.Context, bundlePath string, settings domain.PolicySettings) (*Engine, error) {
	return NewEngineFromFS(ctx, os.DirFS(bundlePath), ".", settings)
}

func NewEngineFromFS(ctx context.Context, fsys fs.FS, root string, settings domain.PolicySettings) (*Engine, error) {
	files, err := collectBundleFiles(fsys, root)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("policy bundle contains no .rego files")
	}
	hash := bundleHash(files)

	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	opts := []func(*rego.Rego){
		rego.Query(packagesQuery),
		rego.Compiler(compiler),
		rego.Store(settingsStore(settings)),
		rego.StrictBuiltinErrors(true),
	}
	for _, f := range files {
		opts = append(opts, rego.Module(f.Path, string(f.Content)))
	}
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}
	return &Engine{query: prepared, bundleHash: hash}, nil
}

func settingsStore(settings domain.PolicySettings) storage.Store {
	return inmem.NewFromObject(map[string]any{
		"takserver": map[string]any{
			"settings": map[string]any{
				"anonymous_updates": settings.AnonymousUpdates,
			},
		},
	})
}

func (e *Engine) BundleHash() string {
	return e.bundleHash
}

func (e *Engine) Evaluate(ctx context.Context, input domain.PolicyInput) (domain.PolicyEvaluation, error) {
	if e == nil {
		return domain.PolicyEvaluation{}, errors.New("policy engine is nil")
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return domain.PolicyEvaluation{}, fmt.Errorf("eval %s: %w", input.Action, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.PolicyEvaluation{}, errors.New("empty policy result")
	}
	result, err := decodePolicyResult(results[0].Expressions[0].Value)
	if err != nil {
		return domain.PolicyEvaluation{}, err
	}
	return domain.PolicyEvaluation{BundleHash: e.bundleHash, Result: result}, nil
}

// decodePolicyResult reads {"allow": bool, "reasons": [string]}. Reasons are
// only kept for denials.
func decodePolicyResult(value any) (domain.PolicyResult, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return domain.PolicyResult{}, fmt.Errorf("policy result is %T, want object", value)
	}
	allow, ok := obj["allow"].(bool)
	if !ok {
		return domain.PolicyResult{}, errors.New("policy result missing boolean allow")
	}
	result := domain.PolicyResult{Allow: allow}
	if allow {
		return result, nil
	}
	raw, _ := obj["reasons"].([]any)
	for _, r := range raw {
		if reason, ok := r.(string); ok {
			result.Reasons = append(result.Reasons, reason)
		}
	}
	sort.Strings(result.Reasons)
	return result, nil
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	if compiler == nil {
		return errors.New("policy compiler is nil")
	}
	forbidden := make(map[string]struct{})
	for _, module := range compiler.Modules {
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if _, ok := ast.BuiltinMap[name]; !ok {
				return false
			}
			if _, ok := allowedBuiltins[name]; ok {
				return false
			}
			forbidden[name] = struct{}{}
			return false
		})
	}
	if len(forbidden) == 0 {
		return nil
	}
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("forbidden builtins: %s", strings.Join(names, ", "))
}
