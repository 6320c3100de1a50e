package facts

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jacob10383/printerup/internal/executor"
)

// scriptedRunner answers known commands from a table and fails the
// rest.
type scriptedRunner struct {
	answers map[string]string
}

func (r *scriptedRunner) Run(_ context.Context, inv executor.Invocation) (*executor.Result, error) {
	for prefix, out := range r.answers {
		if strings.HasPrefix(inv.Command, prefix) {
			return &executor.Result{Command: inv.Command, Stdout: strings.Split(out, "\n")}, nil
		}
	}
	return nil, &executor.ExecError{Command: inv.Command, Reason: "not scripted"}
}

func TestGatherFullDevice(t *testing.T) {
	runner := &scriptedRunner{answers: map[string]string{
		"hostname":  "K2-Plus",
		"uname -r":  "5.10.110",
		"uname -m":  "aarch64",
		"cat /etc/os-release": `ID=buildroot
PRETTY_NAME="Buildroot 2023.02"`,
		"cat /proc/device-tree/model": "Creality K2 Plus",
		"df -k":                       "/dev/mmcblk0p7 7631616 1048576 6583040 14% /usr/data",
		"[ -x /etc/init.d/moonraker ]": "",
	}}

	facts, err := Gather(context.Background(), runner)
	require.NoError(t, err)

	assert.Equal(t, "K2-Plus", facts["hostname"])
	assert.Equal(t, "5.10.110", facts["kernel"])
	assert.Equal(t, "aarch64", facts["architecture"])
	assert.Equal(t, "arm64", facts["arch"])
	assert.Equal(t, "Buildroot 2023.02", facts["os_name"])
	assert.Equal(t, "buildroot", facts["distribution"])
	assert.Equal(t, "Creality K2 Plus", facts["model"])
	assert.Equal(t, int64(6583040), facts["data_free_kb"])
	assert.Equal(t, true, facts["moonraker"])
}

func TestGatherPartialDevice(t *testing.T) {
	// A half-provisioned device answers almost nothing.
	runner := &scriptedRunner{answers: map[string]string{
		"hostname": "printer",
	}}

	facts, err := Gather(context.Background(), runner)
	require.NoError(t, err)

	assert.Equal(t, "printer", facts["hostname"])
	assert.NotContains(t, facts, "kernel")
	assert.NotContains(t, facts, "data_free_kb")
	assert.Equal(t, false, facts["moonraker"])
}

func TestNormalizeArch(t *testing.T) {
	assert.Equal(t, "amd64", normalizeArch("x86_64"))
	assert.Equal(t, "arm64", normalizeArch("aarch64"))
	assert.Equal(t, "arm", normalizeArch("armv7l"))
	assert.Equal(t, "riscv64", normalizeArch("riscv64"))
}

func TestParseOSRelease(t *testing.T) {
	got := parseOSRelease("# comment\nID=alpine\nPRETTY_NAME=\"Alpine Linux\"\n\nBAD\n")
	assert.Equal(t, "alpine", got["ID"])
	assert.Equal(t, "Alpine Linux", got["PRETTY_NAME"])
	assert.NotContains(t, got, "BAD")
}
