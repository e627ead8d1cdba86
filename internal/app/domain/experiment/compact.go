package experiment

import "strings"

// CompactAssignment is the lightweight experiment/variant pair carried by
// beacon payloads and the compact "exp1:varA;exp2:varB" cookie format.
type CompactAssignment struct {
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
}

// ParseCompactAssignments merges structured assignments with the compact
// string form, dropping malformed pairs and keeping the first assignment
// seen per experiment.
func ParseCompactAssignments(structured []CompactAssignment, compact string) []CompactAssignment {
	var out []CompactAssignment
	seen := make(map[string]bool)

	add := func(a CompactAssignment) {
		if a.ExperimentID == "" || a.VariantID == "" || seen[a.ExperimentID] {
			return
		}
		seen[a.ExperimentID] = true
		out = append(out, a)
	}

	for _, a := range structured {
		add(a)
	}

	for _, pair := range strings.Split(compact, ";") {
		pair = strings.TrimSpace(pair)
		idx := strings.Index(pair, ":")
		if idx < 0 {
			continue
		}
		add(CompactAssignment{
			ExperimentID: strings.TrimSpace(pair[:idx]),
			VariantID:    strings.TrimSpace(pair[idx+1:]),
		})
	}

	return out
}

// CompactAssignments renders assignments in the compact string form.
func CompactAssignments(assignments []CompactAssignment) string {
	parts := make([]string, 0, len(assignments))
	for _, a := range assignments {
		parts = append(parts, a.ExperimentID+":"+a.VariantID)
	}
	return strings.Join(parts, ";")
}
