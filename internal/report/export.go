package report

import (
	"encoding/json"
	"strings"

	"github.com/prometheus/common/expfmt"
)

// Text renders the registry in the Prometheus text format, for dumping at
// exit when no scraper is around.
func (m *Metrics) Text() (string, error) {
	if m == nil {
		return "", nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&b, mf); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// ViolationsJSON renders the newest n violations as a JSON array
func ViolationsJSON(v *ViolationLog, n int) ([]byte, error) {
	recent := v.GetRecent(n)
	if recent == nil {
		recent = []Violation{}
	}
	return json.Marshal(recent)
}
