package execx

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Tool names sshsnap shells out to.
const (
	ToolSSH   = "ssh"
	ToolRsync = "rsync"
	ToolM4    = "m4"
)

// BinaryInfo describes a detected tool binary.
type BinaryInfo struct {
	Name    string
	Path    string
	Version string
}

type toolSpec struct {
	versionArgs []string
	pattern     *regexp.Regexp
	minimum     string
}

// ControlPersist appeared in OpenSSH 5.6; --link-dest combined with
// --relative is reliable from rsync 3.0.
var tools = map[string]toolSpec{
	ToolSSH: {
		versionArgs: []string{"-V"},
		pattern:     regexp.MustCompile(`OpenSSH_([0-9]+\.[0-9]+(?:\.[0-9]+)?)`),
		minimum:     "5.6.0",
	},
	ToolRsync: {
		versionArgs: []string{"--version"},
		pattern:     regexp.MustCompile(`rsync\s+version\s+v?([0-9]+\.[0-9]+\.[0-9]+)`),
		minimum:     "3.0.0",
	},
	ToolM4: {
		versionArgs: []string{"--version"},
		pattern:     regexp.MustCompile(`m4 .*?([0-9]+\.[0-9]+(?:\.[0-9]+)?)`),
		minimum:     "1.4.0",
	},
}

var lookPath = exec.LookPath

// Detect locates tool on PATH and queries its version through r. The context
// bounds the version subprocess.
func Detect(ctx context.Context, r Runner, tool string) (BinaryInfo, error) {
	spec, ok := tools[tool]
	if !ok {
		return BinaryInfo{}, fmt.Errorf("unknown tool %q", tool)
	}
	exe, err := lookPath(tool)
	if err != nil {
		return BinaryInfo{}, fmt.Errorf("%s binary not found on PATH: %w", tool, err)
	}

	// Guard against commands that hang by applying a short timeout.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	res, err := r.Run(ctx, Command{Name: exe, Args: spec.versionArgs})
	if err != nil {
		return BinaryInfo{}, fmt.Errorf("%s: version command failed: %w", tool, err)
	}
	// ssh -V reports on stderr.
	version := ExtractVersion(tool, res.Stdout)
	if version == "" {
		version = ExtractVersion(tool, res.Stderr)
	}
	if version == "" {
		return BinaryInfo{}, fmt.Errorf("%s: could not parse version output", tool)
	}
	return BinaryInfo{Name: tool, Path: exe, Version: version}, nil
}

// ExtractVersion derives the version string of tool from its output.
func ExtractVersion(tool, output string) string {
	spec, ok := tools[tool]
	if !ok {
		return ""
	}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if m := spec.pattern.FindStringSubmatch(scanner.Text()); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

// IsCompatible reports whether version satisfies the minimum supported
// release of tool.
func IsCompatible(tool, version string) bool {
	spec, ok := tools[tool]
	if !ok {
		return false
	}
	left, ok := parseSemVersion(version)
	if !ok {
		return false
	}
	right, ok := parseSemVersion(spec.minimum)
	if !ok {
		return false
	}
	return compareSemVersion(left, right) >= 0
}

// MinimumVersion returns the oldest supported release of tool, or "" for an
// unknown tool.
func MinimumVersion(tool string) string {
	return tools[tool].minimum
}

// SetLookPathForTest swaps the PATH lookup used by Detect.
func SetLookPathForTest(fn func(string) (string, error)) func() {
	prev := lookPath
	lookPath = fn
	return func() { lookPath = prev }
}

type semVersion struct {
	major int
	minor int
	patch int
}

// parseSemVersion accepts major.minor[.patch]; OpenSSH reports only two parts.
func parseSemVersion(s string) (semVersion, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return semVersion{}, false
	}
	nums := strings.Split(s, ".")
	if len(nums) < 2 || len(nums) > 3 {
		return semVersion{}, false
	}
	var parts [3]int
	for i, n := range nums {
		v, err := strconv.Atoi(n)
		if err != nil {
			return semVersion{}, false
		}
		parts[i] = v
	}
	return semVersion{major: parts[0], minor: parts[1], patch: parts[2]}, true
}

func compareSemVersion(a, b semVersion) int {
	switch {
	case a.major != b.major:
		if a.major > b.major {
			return 1
		}
		return -1
	case a.minor != b.minor:
		if a.minor > b.minor {
			return 1
		}
		return -1
	case a.patch != b.patch:
		if a.patch > b.patch {
			return 1
		}
		return -1
	}
	return 0
}
