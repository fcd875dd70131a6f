// Package fileloader reads detector profiles from disk.
package fileloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
)

// FileLoader loads a detector profile from a YAML file on disk:
//
//	whole_scan_deadline: 90s
//	detectors:
//	  - name: osv
//	    budget: 60s
//	  - name: trivy
//	    budget: 45s
//	    options:
//	      severity: HIGH,CRITICAL
type FileLoader struct {
	// path is the filesystem path to the profile.
	path string
}

// NewFileLoader creates a new FileLoader that will load the profile from the
// specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the profile, fills in default budgets and validates
// the result. Unknown keys are rejected.
func (l *FileLoader) Load(ctx context.Context) (scanning.ScanConfig, error) {
	if err := ctx.Err(); err != nil {
		return scanning.ScanConfig{}, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return scanning.ScanConfig{}, fmt.Errorf("failed to read profile: %w", err)
	}
	return Parse(data)
}

// Parse decodes a profile document.
func Parse(data []byte) (scanning.ScanConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg scanning.ScanConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return scanning.ScanConfig{}, scanning.ErrNoDetectors
		}
		return scanning.ScanConfig{}, fmt.Errorf("failed to parse profile: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return scanning.ScanConfig{}, err
	}
	return cfg, nil
}
