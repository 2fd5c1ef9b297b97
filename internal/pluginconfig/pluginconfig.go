// Package pluginconfig implements the Config & Plugin Loader of spec
// section 4.5: a JSON configuration file that may `extends` other
// files (resolved depth-first, nearest file wins on conflict), loading
// the named resolver/transformer/bundler/namer/runtime/packager/
// optimizer/reporter/validator plugin lists and recording every
// referenced plugin as a dev-dependency whose version is looked up
// later by a dep_version_request.
//
// Grounded on internal/core/registry.go's by-name plugin lookup
// (PipelineItemRegistry.Summon), generalized from a reflection-based
// Go-type registry to a JSON-driven list of plugin names, since forge's
// plugins are not a fixed compiled-in set the way hercules's
// PipelineItems are.
package pluginconfig

import (
	"encoding/json"
	"path"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/diagnostics"
	"github.com/forgebuild/forge/internal/fsabs"
	"github.com/forgebuild/forge/internal/model"
)

// PluginNames is the typed view over a merged configuration's plugin
// lists, spec section 4.5's enumerated fields.
type PluginNames struct {
	Resolvers    []string
	Transformers map[string][]string // glob -> ordered plugin names
	Bundler      string
	Namers       []string
	Runtimes     map[string][]string // env context -> plugin names
	Packagers    map[string]string   // glob -> single plugin name
	Optimizers   map[string][]string // glob -> ordered plugin names
	Reporters    []string
	Validators   []string
}

// Loader loads a configuration file chain over an injected filesystem.
type Loader struct {
	fs fsabs.Filesystem
}

// New returns a Loader reading configuration files from fs.
func New(fs fsabs.Filesystem) *Loader {
	return &Loader{fs: fs}
}

// Load resolves searchPath's extends chain and returns the merged
// Config, satisfying reqgraph.ConfigLoader.
func (l *Loader) Load(searchPath string) (model.Config, error) {
	included := map[string]bool{}
	merged, err := l.loadChain(searchPath, included, map[string]bool{})
	if err != nil {
		return model.Config{}, err
	}

	mergedBytes, err := json.Marshal(merged)
	if err != nil {
		return model.Config{}, diagnostics.Wrap(diagnostics.JSONError, "pluginconfig", err, "marshal merged config for %s", searchPath)
	}

	devDeps := collectDevDeps(merged, searchPath)

	cfg := model.Config{
		SearchPath:    searchPath,
		ResolvedPath:  searchPath,
		Result:        merged,
		ResultHash:    cache.Fingerprint(mergedBytes),
		IncludedFiles: included,
		DevDeps:       devDeps,
	}
	if watchGlob, ok := merged["watchGlob"].(string); ok {
		cfg.WatchGlob = watchGlob
	}
	return cfg, nil
}

// loadChain depth-first resolves searchPath's extends array/string,
// recording every visited file into included, and returns the merged
// result with searchPath's own top-level fields overriding whatever
// its ancestors contributed (nearest-wins).
func (l *Loader) loadChain(searchPath string, included, visiting map[string]bool) (map[string]interface{}, error) {
	if visiting[searchPath] {
		return nil, diagnostics.New(diagnostics.JSONError, "pluginconfig", "cyclic extends chain at "+searchPath)
	}
	visiting[searchPath] = true
	defer delete(visiting, searchPath)

	data, err := l.fs.ReadFile(searchPath)
	if err != nil {
		return nil, diagnostics.Wrap(diagnostics.FileNotFound, "pluginconfig", err, "reading config %s", searchPath)
	}
	included[searchPath] = true

	merged := map[string]interface{}{}
	extendsResult := gjson.GetBytes(data, "extends")
	if extendsResult.Exists() {
		var parents []string
		if extendsResult.IsArray() {
			for _, r := range extendsResult.Array() {
				parents = append(parents, r.String())
			}
		} else {
			parents = append(parents, extendsResult.String())
		}
		for _, rel := range parents {
			parentPath := l.fs.Join(path.Dir(searchPath), rel)
			parentResult, err := l.loadChain(parentPath, included, visiting)
			if err != nil {
				return nil, err
			}
			for k, v := range parentResult {
				merged[k] = v
			}
		}
	}

	var own map[string]interface{}
	if err := json.Unmarshal(data, &own); err != nil {
		diag := diagnostics.Wrap(diagnostics.JSONError, "pluginconfig", err, "parsing config %s", searchPath)
		if len(merged) > 0 {
			if parentBytes, mErr := json.MarshalIndent(merged, "", "  "); mErr == nil {
				diag = diag.WithHint(diagnostics.RenderDiff("merged parent config vs "+searchPath, string(parentBytes), string(data)))
			}
		}
		return nil, diag
	}
	delete(own, "extends")
	for k, v := range own {
		merged[k] = v
	}
	return merged, nil
}

// ParsePluginNames projects a merged config's Result map into the
// typed PluginNames view.
func ParsePluginNames(merged map[string]interface{}) PluginNames {
	names := PluginNames{
		Transformers: map[string][]string{},
		Runtimes:     map[string][]string{},
		Packagers:    map[string]string{},
		Optimizers:   map[string][]string{},
	}
	names.Resolvers = stringList(merged["resolvers"])
	names.Namers = stringList(merged["namers"])
	names.Reporters = stringList(merged["reporters"])
	names.Validators = stringList(merged["validators"])
	if b, ok := merged["bundler"].(string); ok {
		names.Bundler = b
	}
	if m, ok := merged["transformers"].(map[string]interface{}); ok {
		for glob, v := range m {
			names.Transformers[glob] = stringList(v)
		}
	}
	if m, ok := merged["runtimes"].(map[string]interface{}); ok {
		for ctx, v := range m {
			names.Runtimes[ctx] = stringList(v)
		}
	}
	if m, ok := merged["packagers"].(map[string]interface{}); ok {
		for glob, v := range m {
			if s, ok := v.(string); ok {
				names.Packagers[glob] = s
			}
		}
	}
	if m, ok := merged["optimizers"].(map[string]interface{}); ok {
		for glob, v := range m {
			names.Optimizers[glob] = stringList(v)
		}
	}
	return names
}

func stringList(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// collectDevDeps records every plugin name referenced by merged as a
// dev-dep key with a blank version. resolveFrom is not stored in the
// result; reqgraph pairs each name with the config's search path when
// it creates the dep_version_request.
func collectDevDeps(merged map[string]interface{}, resolveFrom string) map[string]string {
	names := ParsePluginNames(merged)
	seen := map[string]bool{}
	add := func(name string) {
		if name != "" {
			seen[name] = true
		}
	}
	for _, n := range names.Resolvers {
		add(n)
	}
	for _, list := range names.Transformers {
		for _, n := range list {
			add(n)
		}
	}
	add(names.Bundler)
	for _, n := range names.Namers {
		add(n)
	}
	for _, list := range names.Runtimes {
		for _, n := range list {
			add(n)
		}
	}
	for _, n := range names.Packagers {
		add(n)
	}
	for _, list := range names.Optimizers {
		for _, n := range list {
			add(n)
		}
	}
	for _, n := range names.Reporters {
		add(n)
	}
	for _, n := range names.Validators {
		add(n)
	}

	ordered := make([]string, 0, len(seen))
	for n := range seen {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	devDeps := make(map[string]string, len(ordered))
	for _, n := range ordered {
		devDeps[n] = ""
	}
	_ = resolveFrom // recorded by the caller wiring dep_version_request nodes
	return devDeps
}
