package visor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxExtendsDepth bounds the extends/include chain.
const maxExtendsDepth = 10

// remoteFetchTimeout is the abortable timeout for remote extends.
const remoteFetchTimeout = 30 * time.Second

// LoadOption configures Load.
type LoadOption func(*loader)

// WithNoRemoteExtends forbids HTTPS extends sources.
func WithNoRemoteExtends() LoadOption {
	return func(l *loader) { l.noRemote = true }
}

// WithRemoteAllowlist restricts remote extends to URLs carrying one of the
// given prefixes. An empty allowlist admits any HTTPS URL.
func WithRemoteAllowlist(prefixes []string) LoadOption {
	return func(l *loader) { l.allowlist = prefixes }
}

// WithEnvLookup overrides the environment used for ${VAR} interpolation.
// Defaults to the process environment.
func WithEnvLookup(fn func(string) (string, bool)) LoadOption {
	return func(l *loader) { l.envLookup = fn }
}

// WithHTTPClient overrides the HTTP client used for remote extends.
func WithHTTPClient(c *http.Client) LoadOption {
	return func(l *loader) { l.client = c }
}

// Load reads a YAML (or JSON) config from path, resolves extends/include
// chains, normalizes steps and checks, and validates the result. It returns
// the config, non-fatal warnings, and a terminal error when schema or
// semantic validation fails.
func Load(path string, opts ...LoadOption) (*Config, []string, error) {
	l := &loader{
		client:    &http.Client{},
		envLookup: os.LookupEnv,
		chain:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(l)
	}

	raw, err := l.resolve(context.Background(), path, "", 0)
	if err != nil {
		return nil, nil, err
	}

	warnings := validateTopLevelKeys(raw)

	if err := validateSchema(raw); err != nil {
		return nil, warnings, err
	}

	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, warnings, &ErrConfig{Source: path, Message: "decode", Err: err}
	}
	cfg.normalize()

	semWarnings, err := validateSemantics(cfg)
	warnings = append(warnings, semWarnings...)
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// LoadBytes parses and validates an in-memory config document. The document
// is staged in a temp file, so relative extends paths resolve under the OS
// temp directory; use Load, or absolute and remote sources, when the config
// extends local files.
func LoadBytes(data []byte, opts ...LoadOption) (*Config, []string, error) {
	tmp, err := os.CreateTemp("", "visor-config-*.yaml")
	if err != nil {
		return nil, nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, nil, err
	}
	tmp.Close()
	return Load(tmp.Name(), opts...)
}

type loader struct {
	client    *http.Client
	allowlist []string
	noRemote  bool
	envLookup func(string) (string, bool)
	// chain holds normalized sources currently on the resolution stack;
	// a source appearing twice is a cycle.
	chain map[string]bool
}

// resolve loads one source, recursively resolves its extends and include
// chains, and returns the merged raw document. Parents are loaded first and
// the child merged over them (child wins).
func (l *loader) resolve(ctx context.Context, src, base string, depth int) (map[string]any, error) {
	if depth > maxExtendsDepth {
		return nil, &ErrConfig{Source: src, Message: fmt.Sprintf("extends chain deeper than %d", maxExtendsDepth)}
	}

	normalized, err := l.normalizeSource(src, base)
	if err != nil {
		return nil, err
	}
	if l.chain[normalized] {
		return nil, &ErrConfig{Source: src, Message: "circular extends chain"}
	}
	l.chain[normalized] = true
	defer delete(l.chain, normalized)

	data, err := l.fetch(ctx, normalized)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ErrConfig{Source: src, Message: "parse", Err: err}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	interpolateEnv(raw, l.envLookup)

	parents := sourceList(raw["extends"])
	parents = append(parents, sourceList(raw["include"])...)
	delete(raw, "extends")
	delete(raw, "include")
	if len(parents) == 0 {
		return raw, nil
	}

	merged := map[string]any{}
	for _, parent := range parents {
		doc, err := l.resolve(ctx, parent, normalized, depth+1)
		if err != nil {
			return nil, err
		}
		merged = mergeRaw(merged, doc)
	}
	return mergeRaw(merged, raw), nil
}

// normalizeSource resolves src against the including source and returns the
// circular-detection key: absolute local path, or lowercased URL.
func (l *loader) normalizeSource(src, base string) (string, error) {
	if isRemote(src) {
		if l.noRemote {
			return "", &ErrConfig{Source: src, Message: "remote extends disabled"}
		}
		if !strings.HasPrefix(strings.ToLower(src), "https://") {
			return "", &ErrConfig{Source: src, Message: "remote extends must use https"}
		}
		if len(l.allowlist) > 0 && !l.allowed(src) {
			return "", &ErrConfig{Source: src, Message: "remote extends URL not in allowlist"}
		}
		return strings.ToLower(src), nil
	}

	// Local path. A remote parent must not reach into the local
	// filesystem.
	if isRemote(base) {
		return "", &ErrConfig{Source: src, Message: "remote config cannot extend a local path"}
	}
	dir := ""
	if base != "" {
		dir = filepath.Dir(base)
	}
	resolved := src
	if !filepath.IsAbs(src) && base != "" {
		resolved = filepath.Join(dir, src)
		// Path-traversal guard: a relative source must stay under the
		// including file's directory.
		rel, err := filepath.Rel(dir, resolved)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", &ErrConfig{Source: src, Message: "extends path escapes config directory"}
		}
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", &ErrConfig{Source: src, Message: "resolve path", Err: err}
	}
	return abs, nil
}

func (l *loader) allowed(url string) bool {
	lower := strings.ToLower(url)
	for _, prefix := range l.allowlist {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func (l *loader) fetch(ctx context.Context, normalized string) ([]byte, error) {
	if isRemote(normalized) {
		ctx, cancel := context.WithTimeout(ctx, remoteFetchTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized, nil)
		if err != nil {
			return nil, &ErrConfig{Source: normalized, Message: "build request", Err: err}
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return nil, &ErrConfig{Source: normalized, Message: "fetch", Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, &ErrConfig{Source: normalized, Message: fmt.Sprintf("fetch: http %d", resp.StatusCode)}
		}
		return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	}
	data, err := os.ReadFile(normalized)
	if err != nil {
		return nil, &ErrConfig{Source: normalized, Message: "read", Err: err}
	}
	return data, nil
}

func isRemote(src string) bool {
	lower := strings.ToLower(src)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}

// sourceList coerces a raw extends/include value (string or list) into a
// string slice.
func sourceList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// mergeRaw deep-merges child over parent: maps merge recursively, anything
// else the child wins.
func mergeRaw(parent, child map[string]any) map[string]any {
	out := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, cv := range child {
		if pm, ok := out[k].(map[string]any); ok {
			if cm, ok := cv.(map[string]any); ok {
				out[k] = mergeRaw(pm, cm)
				continue
			}
		}
		out[k] = cv
	}
	return out
}

// interpolateEnv replaces ${VAR} references in string values, in place.
// Unknown variables are left verbatim so that downstream expressions can
// report them. Env resolution happens only here, at the edge — the engine
// never reads the environment.
func interpolateEnv(raw map[string]any, lookup func(string) (string, bool)) {
	var walk func(v any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			return expandEnv(t, lookup)
		case map[string]any:
			for k, e := range t {
				t[k] = walk(e)
			}
			return t
		case []any:
			for i, e := range t {
				t[i] = walk(e)
			}
			return t
		}
		return v
	}
	walk(raw)
}

func expandEnv(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		name := s[start+2 : start+end]
		if val, ok := lookup(name); ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[start : start+end+1])
		}
		s = s[start+end+1:]
	}
	return b.String()
}

// decodeConfig round-trips the merged raw document through YAML so that the
// typed unmarshalers (StringList, SessionRef, TransitionRule) apply.
func decodeConfig(raw map[string]any) (*Config, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
