package diagnostics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiagnosticErrorFormatting(t *testing.T) {
	d := New(FileNotFound, "resolver", "could not resolve specifier").
		WithPath("./Button").
		WithHint("did you mean ./Button.tsx?")

	msg := d.Error()
	assert.Contains(t, msg, "resolver")
	assert.Contains(t, msg, "./Button")
	assert.Contains(t, msg, "did you mean ./Button.tsx?")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	d := Wrap(PluginError, "my-transformer", cause, "transform failed")
	assert.True(t, errors.Is(d, cause))
}

func TestDiagnosticIsMatchesByKind(t *testing.T) {
	a := New(ModuleNotFound, "resolver", "x")
	b := New(ModuleNotFound, "resolver", "y")
	c := New(FileNotFound, "resolver", "z")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestRunWithRecoverCatchesPanic(t *testing.T) {
	err := RunWithRecover("flaky-plugin", func() error {
		panic("kaboom")
	})
	assert.Error(t, err)
	var d *Diagnostic
	assert.True(t, errors.As(err, &d))
	assert.Equal(t, PluginError, d.Kind)
}

func TestRunWithRecoverPassesThroughOrdinaryError(t *testing.T) {
	sentinel := errors.New("ordinary failure")
	err := RunWithRecover("plugin", func() error {
		return sentinel
	})
	assert.Equal(t, sentinel, err)
}
