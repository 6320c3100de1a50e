package output

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// testStats implements Stats for recap tests.
type testStats struct {
	ok, failed, skipped int
	duration            time.Duration
}

func (s testStats) GetOK() int                 { return s.ok }
func (s testStats) GetFailed() int             { return s.failed }
func (s testStats) GetSkipped() int            { return s.skipped }
func (s testStats) GetDuration() time.Duration { return s.duration }

func TestNewOutput(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	if o == nil {
		t.Fatal("expected non-nil Output")
	}
	if o.w != &buf {
		t.Error("writer not set correctly")
	}
	if !o.useColor {
		t.Error("expected useColor to be true by default")
	}
}

func TestSetColor(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	o.SetColor(false)
	if o.useColor {
		t.Error("expected useColor to be false")
	}

	o.SetColor(true)
	if !o.useColor {
		t.Error("expected useColor to be true")
	}
}

func TestColorOutput(t *testing.T) {
	t.Run("color enabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(true)

		result := o.color(colorGreen, "test")
		if !strings.Contains(result, "\033[32m") {
			t.Error("expected color code in output")
		}
		if !strings.Contains(result, "\033[0m") {
			t.Error("expected reset code in output")
		}
	})

	t.Run("color disabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		result := o.color(colorGreen, "test")
		if result != "test" {
			t.Errorf("expected plain 'test', got %q", result)
		}
	})
}

func TestRunStart(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.RunStart("10.0.0.5")

	got := buf.String()
	if !strings.Contains(got, "DEVICE") {
		t.Error("expected DEVICE banner")
	}
	if !strings.Contains(got, "10.0.0.5") {
		t.Error("expected host in banner")
	}
}

func TestRunEnd(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.RunEnd(testStats{ok: 5, failed: 1, skipped: 2, duration: 1500 * time.Millisecond})

	got := buf.String()
	for _, want := range []string{"RECAP", "ok=5", "failed=1", "skipped=2", "(1.50s)"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in recap, got %q", want, got)
		}
	}
}

func TestStepResult(t *testing.T) {
	tests := []struct {
		status string
		symbol string
	}{
		{StatusOK, "✓"},
		{StatusFailed, "✗"},
		{StatusSkipped, "○"},
		{"weird", "?"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			var buf bytes.Buffer
			o := New(&buf)
			o.SetColor(false)

			o.StepResult("verify access", tt.status, "")

			got := buf.String()
			if !strings.Contains(got, tt.symbol) {
				t.Errorf("expected %q for status %s, got %q", tt.symbol, tt.status, got)
			}
			if !strings.Contains(got, "verify access") {
				t.Errorf("expected step name, got %q", got)
			}
		})
	}
}

func TestStepResultDebugMessage(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.StepResult("install", StatusFailed, "exit status 1")
	if strings.Contains(buf.String(), "exit status 1") {
		t.Error("message should be hidden without debug")
	}

	buf.Reset()
	o.SetDebug(true)
	o.StepResult("install", StatusFailed, "exit status 1")
	if !strings.Contains(buf.String(), "exit status 1") {
		t.Error("expected message in debug mode")
	}
}

func TestDeviceLineDebugOnly(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.DeviceLine("Extracting...")
	if buf.Len() != 0 {
		t.Error("device lines should be silent without debug")
	}

	o.SetDebug(true)
	o.DeviceLine("Extracting...")
	if !strings.Contains(buf.String(), "Extracting...") {
		t.Error("expected device line in debug mode")
	}
}

func TestMessageLevels(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Info("connected to %s", "printer.local")
	o.Warn("low disk space")
	o.Error("upload failed")
	o.Debug("hidden")

	got := buf.String()
	for _, want := range []string{"INFO connected to printer.local", "WARN low disk space", "ERROR upload failed"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
	if strings.Contains(got, "hidden") {
		t.Error("debug message should be suppressed")
	}

	o.SetDebug(true)
	o.Debug("now visible")
	if !strings.Contains(buf.String(), "DEBUG now visible") {
		t.Error("expected debug message when enabled")
	}
}

func TestSection(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Section("Backup")
	if !strings.Contains(buf.String(), "Backup") {
		t.Error("expected section name")
	}
}
