// Package config parses the containerization config files a container
// finds under its config base directory: presence of vnpu.config or
// vgpu.config selects containerized mode versus host mode, and
// vnpu-ids.config names which shared-memory region and scheduler slot
// this node occupies.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aclements/xpu-quotad/internal/xerrors"
)

// QuotaConfigNames are tried in order; vnpu.config and vgpu.config are
// the same schema under two product names.
var QuotaConfigNames = []string{"vnpu.config", "vgpu.config"}

const idsConfigName = "vnpu-ids.config"

// Config is the parsed containerization config for one node.
type Config struct {
	// Containerized is false when no quota config file is present:
	// host mode, limiting disabled.
	Containerized bool

	// UsedMemMB and QuotaPercent come from vnpu.config/vgpu.config.
	// Both are zero in host mode.
	UsedMemMB    uint64
	QuotaPercent int

	// DieID and NodeIdx come from vnpu-ids.config. DieID names the
	// shared-memory region; NodeIdx is this node's slot in it, in
	// [0, sched.MaxNodes).
	DieID   string
	NodeIdx int
}

// Load reads base's config files and returns a Config. A missing quota
// config file is not an error: Containerized is false and the rest of
// the quota fields are zero. A missing or malformed vnpu-ids.config IS
// an error in both modes, including host mode, where no scheduler is
// started and the identity goes unused.
func Load(base string) (*Config, error) {
	cfg := &Config{}

	quotaPath, ok := findQuotaConfig(base)
	if ok {
		mem, pct, err := parseQuotaConfig(quotaPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", xerrors.ErrInitFatal, quotaPath, err)
		}
		if pct < 5 || pct > 100 || pct%5 != 0 {
			return nil, fmt.Errorf("%w: %s: quota_percent %d out of range (5..100, multiple of 5)", xerrors.ErrInitFatal, quotaPath, pct)
		}
		cfg.Containerized = true
		cfg.UsedMemMB = mem
		cfg.QuotaPercent = pct
	}

	dieID, idx, err := parseIDsConfig(filepath.Join(base, idsConfigName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrInitFatal, err)
	}
	cfg.DieID = dieID
	cfg.NodeIdx = idx

	return cfg, nil
}

func findQuotaConfig(base string) (string, bool) {
	for _, name := range QuotaConfigNames {
		p := filepath.Join(base, name)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// parseQuotaConfig reads the two-line UsedMem:/UsedCores: file.
func parseQuotaConfig(path string) (memMB uint64, quotaPercent int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	kv, err := parseKeyValueLines(f)
	if err != nil {
		return 0, 0, err
	}

	memStr, ok := kv["UsedMem"]
	if !ok {
		return 0, 0, fmt.Errorf("missing UsedMem line")
	}
	mem, err := strconv.ParseUint(memStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse UsedMem %q: %w", memStr, err)
	}

	coresStr, ok := kv["UsedCores"]
	if !ok {
		return 0, 0, fmt.Errorf("missing UsedCores line")
	}
	pct, err := strconv.Atoi(coresStr)
	if err != nil {
		return 0, 0, fmt.Errorf("parse UsedCores %q: %w", coresStr, err)
	}

	return mem, pct, nil
}

func parseKeyValueLines(f *os.File) (map[string]string, error) {
	kv := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, val, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed line %q: missing ':'", line)
		}
		kv[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return kv, nil
}

// parseIDsConfig reads the single "<dieId>-<nodeIdx>" line.
func parseIDsConfig(path string) (dieID string, nodeIdx int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	line := strings.TrimSpace(string(data))
	sep := strings.LastIndex(line, "-")
	if sep <= 0 {
		return "", 0, fmt.Errorf("malformed %s line %q: expected <dieId>-<nodeIdx>", idsConfigName, line)
	}
	dieID, idxStr := line[:sep], line[sep+1:]
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return "", 0, fmt.Errorf("malformed %s line %q: %v", idsConfigName, line, err)
	}
	return dieID, idx, nil
}
