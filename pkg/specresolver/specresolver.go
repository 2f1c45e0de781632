// Package specresolver implements SpecResolver: two-phase substitution
// of "${...}" expressions embedded in a ProxySpec's string fields,
// evaluated against a SpecExpressionContext that exposes the Proxy
// under construction, its spec, and the authenticated caller. The
// expression grammar itself is CEL (Common Expression Language);
// spec.md treats grammar choice as an external collaborator, so any
// side-effect-free expression evaluator satisfies the contract — CEL
// was picked because it is already present in the pack's dependency
// surface and gives bounded, side-effect-free evaluation by
// construction.
package specresolver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// exprPattern matches a single "${...}" placeholder; resolution is
// non-recursive — a substituted value is never itself re-scanned for
// further placeholders.
var exprPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Context is the activation environment exposed to every expression:
// proxy, spec, authPrincipal, authCredentials, and a read-only view of
// the process environment.
type Context struct {
	Proxy           proxytypes.Proxy
	Spec            proxytypes.ProxySpec
	AuthPrincipal   string
	AuthCredentials map[string]string
	Env             map[string]string
}

func (c Context) activation() map[string]any {
	return map[string]any{
		"proxy": map[string]any{
			"id":          c.Proxy.ID,
			"targetId":    c.Proxy.TargetID,
			"specId":      c.Proxy.SpecID,
			"userId":      c.Proxy.UserID,
			"displayName": c.Proxy.DisplayName,
			"status":      string(c.Proxy.Status),
			"targets":     targetsOrEmpty(c.Proxy.Targets),
		},
		"spec": map[string]any{
			"id":          c.Spec.ID,
			"displayName": c.Spec.DisplayName,
		},
		"authPrincipal":   c.AuthPrincipal,
		"authCredentials": c.AuthCredentials,
		"env":             c.Env,
	}
}

// Resolver evaluates "${...}" expressions embedded in ContainerSpec
// string fields (Image, Env values, Cmd entries) against a Context.
type Resolver struct {
	env *cel.Env
}

// New builds a Resolver with a fixed CEL environment. The environment
// is built once and reused across every resolution — cel.Env
// construction is comparatively expensive and the variable set is
// identical for every call.
func New() (*Resolver, error) {
	env, err := cel.NewEnv(
		cel.Variable("proxy", cel.DynType),
		cel.Variable("spec", cel.DynType),
		cel.Variable("authPrincipal", cel.StringType),
		cel.Variable("authCredentials", cel.DynType),
		cel.Variable("env", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("specresolver: building CEL environment: %w", err)
	}
	return &Resolver{env: env}, nil
}

// targetsRefPattern matches any expression that reads proxy.targets —
// the only field a proxy cannot know about itself until its own
// containers have been created.
var targetsRefPattern = regexp.MustCompile(`proxy(\.targets|\[\s*['"]targets['"]\s*\])`)

// FirstResolve evaluates every expression in spec against ctx except
// ones referencing proxy.targets, which are left as literal
// placeholders — a proxy's own target URIs do not exist yet at this
// point in the start sequence, since the backend has not created its
// containers. Callers must invoke FinalResolve once containers exist
// (ctx.Proxy.Targets populated) to complete those substitutions.
func (r *Resolver) FirstResolve(spec proxytypes.ProxySpec, ctx Context) (proxytypes.ProxySpec, error) {
	return r.resolve(spec, ctx, true)
}

// FinalResolve re-evaluates against a Context rebuilt from the
// partially resolved spec and a Proxy whose containers (and therefore
// Targets) now exist, completing substitutions FirstResolve deferred.
// Fields with no deferred placeholder are evaluated again but since a
// fully-resolved string no longer contains "${" this is a no-op for
// them — only proxy.targets-referencing fields actually change value
// here.
func (r *Resolver) FinalResolve(spec proxytypes.ProxySpec, ctx Context) (proxytypes.ProxySpec, error) {
	return r.resolve(spec, ctx, false)
}

func (r *Resolver) resolve(spec proxytypes.ProxySpec, ctx Context, deferTargetRefs bool) (proxytypes.ProxySpec, error) {
	out := spec
	out.ContainerSpecs = make([]proxytypes.ContainerSpec, len(spec.ContainerSpecs))

	for i, cs := range spec.ContainerSpecs {
		resolvedImage, err := r.resolveString(cs.Image, ctx, deferTargetRefs)
		if err != nil {
			return proxytypes.ProxySpec{}, fmt.Errorf("specresolver: image: %w", err)
		}

		resolvedEnv := make(map[string]string, len(cs.Env))
		for k, v := range cs.Env {
			rv, err := r.resolveString(v, ctx, deferTargetRefs)
			if err != nil {
				return proxytypes.ProxySpec{}, fmt.Errorf("specresolver: env %q: %w", k, err)
			}
			resolvedEnv[k] = rv
		}

		resolvedCmd := make([]string, len(cs.Cmd))
		for j, arg := range cs.Cmd {
			rv, err := r.resolveString(arg, ctx, deferTargetRefs)
			if err != nil {
				return proxytypes.ProxySpec{}, fmt.Errorf("specresolver: cmd[%d]: %w", j, err)
			}
			resolvedCmd[j] = rv
		}

		out.ContainerSpecs[i] = proxytypes.ContainerSpec{
			Image: resolvedImage,
			Env:   resolvedEnv,
			Cmd:   resolvedCmd,
		}
	}

	return out, nil
}

// resolveString substitutes every "${...}" occurrence in s, leaving
// surrounding literal text untouched. A string with no placeholder is
// returned unchanged without invoking CEL at all. When deferTargetRefs
// is set, any expression mentioning proxy.targets is left untouched
// rather than evaluated — evaluating it against an empty Targets map
// would silently produce a wrong answer instead of the right one
// computed once the proxy's containers exist.
func (r *Resolver) resolveString(s string, ctx Context, deferTargetRefs bool) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var evalErr error
	result := exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		if evalErr != nil {
			return match
		}
		expr := exprPattern.FindStringSubmatch(match)[1]
		if deferTargetRefs && targetsRefPattern.MatchString(expr) {
			return match
		}
		val, err := r.eval(expr, ctx)
		if err != nil {
			evalErr = err
			return match
		}
		return val
	})
	if evalErr != nil {
		return "", evalErr
	}
	return result, nil
}

func targetsOrEmpty(targets map[string]string) map[string]string {
	if targets == nil {
		return map[string]string{}
	}
	return targets
}

func (r *Resolver) eval(expr string, ctx Context) (string, error) {
	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return "", fmt.Errorf("compiling %q: %w", expr, issues.Err())
	}

	prg, err := r.env.Program(ast)
	if err != nil {
		return "", fmt.Errorf("planning %q: %w", expr, err)
	}

	out, _, err := prg.Eval(ctx.activation())
	if err != nil {
		return "", fmt.Errorf("evaluating %q: %w", expr, err)
	}

	return stringify(out), nil
}

func stringify(val ref.Val) string {
	switch v := val.(type) {
	case types.String:
		return string(v)
	default:
		return fmt.Sprintf("%v", val.Value())
	}
}
