package scanning

import (
	"errors"
	"fmt"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
)

// ErrDetectorNotRegistered is recorded for configured detectors that have no
// adapter in the registry.
var ErrDetectorNotRegistered = errors.New("detector not registered")

// DetectorRegistry is the fixed, ordered mapping from detector name to
// adapter. It is built once at startup and is read-only afterwards.
type DetectorRegistry struct {
	order     []scanning.DetectorName
	detectors map[scanning.DetectorName]scanning.Detector
}

// NewDetectorRegistry registers the given adapters in order. Unknown names and
// duplicate registrations are rejected.
func NewDetectorRegistry(detectors ...scanning.Detector) (*DetectorRegistry, error) {
	r := &DetectorRegistry{
		order:     make([]scanning.DetectorName, 0, len(detectors)),
		detectors: make(map[scanning.DetectorName]scanning.Detector, len(detectors)),
	}
	for _, d := range detectors {
		if d == nil {
			return nil, errors.New("nil detector")
		}
		name := d.Name()
		if !name.IsValid() {
			return nil, fmt.Errorf("unknown detector %q", name)
		}
		if _, dup := r.detectors[name]; dup {
			return nil, fmt.Errorf("detector %q registered twice", name)
		}
		r.detectors[name] = d
		r.order = append(r.order, name)
	}
	return r, nil
}

// Lookup returns the adapter registered under name.
func (r *DetectorRegistry) Lookup(name scanning.DetectorName) (scanning.Detector, bool) {
	d, ok := r.detectors[name]
	return d, ok
}

// Names returns registered detector names in registration order.
func (r *DetectorRegistry) Names() []scanning.DetectorName {
	return append([]scanning.DetectorName(nil), r.order...)
}
