package model

import "testing"

import "github.com/stretchr/testify/assert"

func TestDependencyIDStableAndSensitive(t *testing.T) {
	env := Environment{Context: ContextBrowser}
	d1 := Dependency{ModuleSpecifier: "./a", SourcePath: "src/index.js", Env: env}
	d2 := Dependency{ModuleSpecifier: "./a", SourcePath: "src/index.js", Env: env}
	d3 := Dependency{ModuleSpecifier: "./b", SourcePath: "src/index.js", Env: env}

	assert.Equal(t, d1.ID(), d2.ID())
	assert.NotEqual(t, d1.ID(), d3.ID())
}

func TestEnvironmentIDIgnoresEngineOrder(t *testing.T) {
	e1 := Environment{Context: ContextNode, Engines: map[string]string{"node": "18", "npm": "9"}}
	e2 := Environment{Context: ContextNode, Engines: map[string]string{"npm": "9", "node": "18"}}
	assert.Equal(t, e1.ID(), e2.ID())
}

func TestAssetIDDerivesFromIDBase(t *testing.T) {
	env := Environment{Context: ContextBrowser}
	a1 := Asset{IDBase: "src/index.js", Type: "js", Env: env}
	a2 := Asset{IDBase: "src/index.js", Type: "js", Env: env}
	a3 := Asset{IDBase: "src/other.js", Type: "js", Env: env}
	assert.Equal(t, a1.ID(), a2.ID())
	assert.NotEqual(t, a1.ID(), a3.ID())
}
