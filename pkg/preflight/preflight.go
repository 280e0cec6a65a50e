// Package preflight inspects the host before a deployment starts.
// Findings are advisory; nothing here stops a run.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Finding is a single advisory result.
type Finding struct {
	Check   string
	Message string
}

func (f Finding) String() string {
	return f.Check + ": " + f.Message
}

// Thresholds in megabytes. Zero disables a check.
type Thresholds struct {
	MinFreeDiskMB uint64
	MinFreeMemMB  uint64
}

// Checker runs host probes. The probe functions are swappable for tests.
type Checker struct {
	thresholds Thresholds
	freeDisk   func(ctx context.Context, path string) (uint64, error)
	freeMem    func(ctx context.Context) (uint64, error)
}

func NewChecker(t Thresholds) *Checker {
	return &Checker{
		thresholds: t,
		freeDisk:   diskFreeMB,
		freeMem:    memAvailableMB,
	}
}

// Run checks resources for appDir and that each writable dir exists.
func (c *Checker) Run(ctx context.Context, appDir string, writableDirs []string) []Finding {
	var findings []Finding

	if info, err := os.Stat(appDir); err != nil || !info.IsDir() {
		findings = append(findings, Finding{Check: "app_dir", Message: fmt.Sprintf("%s is not a directory", appDir)})
		return findings
	}

	if min := c.thresholds.MinFreeDiskMB; min > 0 {
		free, err := c.freeDisk(ctx, appDir)
		switch {
		case err != nil:
			findings = append(findings, Finding{Check: "disk", Message: fmt.Sprintf("could not read disk usage: %v", err)})
		case free < min:
			findings = append(findings, Finding{Check: "disk", Message: fmt.Sprintf("only %d MB free under %s (want %d MB)", free, appDir, min)})
		}
	}

	if min := c.thresholds.MinFreeMemMB; min > 0 {
		free, err := c.freeMem(ctx)
		switch {
		case err != nil:
			findings = append(findings, Finding{Check: "memory", Message: fmt.Sprintf("could not read memory stats: %v", err)})
		case free < min:
			findings = append(findings, Finding{Check: "memory", Message: fmt.Sprintf("only %d MB available (want %d MB)", free, min)})
		}
	}

	for _, d := range writableDirs {
		full := filepath.Join(appDir, d)
		if info, err := os.Stat(full); err != nil || !info.IsDir() {
			findings = append(findings, Finding{Check: "writable_dir", Message: fmt.Sprintf("%s is missing", d)})
		}
	}
	return findings
}

func diskFreeMB(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free / 1024 / 1024, nil
}

func memAvailableMB(ctx context.Context) (uint64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.Available / 1024 / 1024, nil
}
