// Package facts gathers system information from a printer over an
// established session.
package facts

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/Jacob10383/printerup/internal/executor"
)

const commandTimeout = 10 * time.Second

// Runner executes remote commands.
type Runner interface {
	Run(ctx context.Context, inv executor.Invocation) (*executor.Result, error)
}

// Gather collects facts from the device. Individual probes that fail
// are skipped, not fatal: the device may be mid-provisioning with half
// its userland missing.
func Gather(ctx context.Context, runner Runner) (map[string]any, error) {
	facts := make(map[string]any)

	if hostname, err := run(ctx, runner, "hostname"); err == nil {
		facts["hostname"] = hostname
	}
	if kernel, err := run(ctx, runner, "uname -r"); err == nil {
		facts["kernel"] = kernel
	}
	if arch, err := run(ctx, runner, "uname -m"); err == nil {
		facts["architecture"] = arch
		facts["arch"] = normalizeArch(arch)
	}

	if release, err := run(ctx, runner, "cat /etc/os-release 2>/dev/null"); err == nil && release != "" {
		osRelease := parseOSRelease(release)
		if name, ok := osRelease["PRETTY_NAME"]; ok {
			facts["os_name"] = name
		}
		if id, ok := osRelease["ID"]; ok {
			facts["distribution"] = id
		}
	}

	if model, err := run(ctx, runner, "cat /proc/device-tree/model 2>/dev/null"); err == nil && model != "" {
		facts["model"] = strings.TrimRight(model, "\x00")
	}

	if free, ok := dataPartitionFree(ctx, runner); ok {
		facts["data_free_kb"] = free
	}

	facts["moonraker"] = hasMoonraker(ctx, runner)

	return facts, nil
}

func run(ctx context.Context, runner Runner, cmd string) (string, error) {
	res, err := runner.Run(ctx, executor.Invocation{
		Command: cmd,
		Timeout: commandTimeout,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.StdoutText()), nil
}

// normalizeArch maps uname output onto Go architecture names.
func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}

// parseOSRelease parses /etc/os-release format.
func parseOSRelease(content string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "="); idx > 0 {
			key := line[:idx]
			value := strings.Trim(line[idx+1:], "\"'")
			result[key] = value
		}
	}
	return result
}

// dataPartitionFree reports free kilobytes on the data partition,
// where gcodes and databases live.
func dataPartitionFree(ctx context.Context, runner Runner) (int64, bool) {
	out, err := run(ctx, runner, "df -k /usr/data 2>/dev/null | tail -1")
	if err != nil || out == "" {
		return 0, false
	}

	// Filesystem 1K-blocks Used Available Use% Mounted
	fields := strings.Fields(out)
	if len(fields) < 4 {
		return 0, false
	}
	free, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return 0, false
	}
	return free, true
}

func hasMoonraker(ctx context.Context, runner Runner) bool {
	_, err := runner.Run(ctx, executor.Invocation{
		Command: "[ -x /etc/init.d/moonraker ]",
		Timeout: commandTimeout,
	})
	return err == nil
}
