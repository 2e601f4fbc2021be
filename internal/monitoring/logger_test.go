package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op; this must not panic
	SetLogger(nil)
	Logf("test message")
}

func TestDebugfRespectsVerbose(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetVerbose(false)
	}()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	SetVerbose(false)
	Debugf("hidden %d", 1)
	if len(lines) != 0 {
		t.Fatalf("expected no output when not verbose, got %v", lines)
	}

	SetVerbose(true)
	if !Verbose() {
		t.Fatal("Verbose() should report true after SetVerbose(true)")
	}
	Debugf("shown %d", 2)
	if len(lines) != 1 || lines[0] != "shown 2" {
		t.Errorf("unexpected debug output: %v", lines)
	}
}

func TestComponentPrefix(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	logf := Component("calib")

	// Component must pick up a logger installed after it was created.
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	logf("pass %d done", 3)

	if got != "[calib] pass 3 done" {
		t.Errorf("got %q, want %q", got, "[calib] pass 3 done")
	}
}
