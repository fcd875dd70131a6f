package scanning

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// DefaultDetectorBudget bounds a single detector invocation when the
	// configuration does not specify one.
	DefaultDetectorBudget = 60 * time.Second
	// DefaultWholeScanDeadline bounds an entire orchestration call.
	DefaultWholeScanDeadline = 65 * time.Second
)

var (
	// ErrInvalidScanConfig wraps every scan configuration validation failure.
	ErrInvalidScanConfig = errors.New("invalid scan config")
	ErrNoDetectors       = fmt.Errorf("%w: at least one detector is required", ErrInvalidScanConfig)
)

// DetectorSpec configures one detector within a scan.
type DetectorSpec struct {
	Name    DetectorName      `json:"name" yaml:"name"`
	Budget  time.Duration     `json:"budget" yaml:"budget"`
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// ScanConfig is the set of detectors to run and the time limits to run them
// under. The detector order is significant: outcomes are reported in it.
type ScanConfig struct {
	Detectors         []DetectorSpec `json:"detectors" yaml:"detectors"`
	WholeScanDeadline time.Duration  `json:"whole_scan_deadline" yaml:"whole_scan_deadline"`
}

// NewScanConfig builds a config running the named detectors with default budgets.
func NewScanConfig(names ...DetectorName) ScanConfig {
	specs := make([]DetectorSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, DetectorSpec{Name: n})
	}
	return ScanConfig{Detectors: specs}.WithDefaults()
}

// WithDefaults returns a copy with zero budgets and deadline replaced by the
// defaults. The receiver is not modified.
func (c ScanConfig) WithDefaults() ScanConfig {
	out := ScanConfig{
		Detectors:         make([]DetectorSpec, len(c.Detectors)),
		WholeScanDeadline: c.WholeScanDeadline,
	}
	for i, d := range c.Detectors {
		if d.Budget == 0 {
			d.Budget = DefaultDetectorBudget
		}
		out.Detectors[i] = d
	}
	if out.WholeScanDeadline == 0 {
		out.WholeScanDeadline = DefaultWholeScanDeadline
	}
	return out
}

// Validate checks the config is runnable.
func (c ScanConfig) Validate() error {
	if len(c.Detectors) == 0 {
		return ErrNoDetectors
	}
	if c.WholeScanDeadline <= 0 {
		return fmt.Errorf("%w: whole-scan deadline must be positive", ErrInvalidScanConfig)
	}
	seen := make(map[DetectorName]struct{}, len(c.Detectors))
	for _, d := range c.Detectors {
		if !d.Name.IsValid() {
			return fmt.Errorf("%w: unknown detector %q", ErrInvalidScanConfig, d.Name)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%w: detector %q configured twice", ErrInvalidScanConfig, d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Budget <= 0 {
			return fmt.Errorf("%w: detector %q budget must be positive", ErrInvalidScanConfig, d.Name)
		}
	}
	return nil
}

// DetectorNames returns the configured detectors in configured order.
func (c ScanConfig) DetectorNames() []DetectorName {
	names := make([]DetectorName, len(c.Detectors))
	for i, d := range c.Detectors {
		names[i] = d.Name
	}
	return names
}

// Fingerprint is a deterministic hash over the sorted detector names and their
// options. Budgets and ordering do not participate, so they never split the
// cache, while any difference in detector set or options always does.
func (c ScanConfig) Fingerprint() string {
	specs := slices.Clone(c.Detectors)
	slices.SortFunc(specs, func(a, b DetectorSpec) int { return strings.Compare(string(a.Name), string(b.Name)) })

	h := sha256.New()
	for _, d := range specs {
		h.Write([]byte("detector\x00"))
		h.Write([]byte(d.Name))
		h.Write([]byte{0})

		keys := make([]string, 0, len(d.Options))
		for k := range d.Options {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(d.Options[k]))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
