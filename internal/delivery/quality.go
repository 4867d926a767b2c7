package delivery

import (
	"strings"

	"github.com/flowmesh/conductor/internal/deliverable"
)

// assessQuality is a pure function of (content_kind, content, raw_response,
// error) producing the Quality verdict (spec §4.3). It never performs I/O
// and always returns the same result for the same input, mirroring the
// purity invariant internal/classify enforces for routing decisions.
func assessQuality(kind deliverable.ContentKind, content string, rawResponse []byte, adapterErr string) deliverable.Quality {
	if adapterErr != "" {
		return deliverable.Quality{Score: 0, Passed: false, Issues: []string{"adapter_error: " + adapterErr}}
	}

	sub := make(map[string]float64)
	var issues []string

	lengthScore := scoreLength(content)
	sub["length"] = lengthScore
	if lengthScore < 0.3 {
		issues = append(issues, "content too short")
	}

	structureScore := scoreStructure(kind, content)
	sub["structure"] = structureScore
	if structureScore < 0.3 {
		issues = append(issues, "content does not match expected shape for "+string(kind))
	}

	noiseScore := scoreNoise(content)
	sub["noise"] = noiseScore
	if noiseScore < 0.3 {
		issues = append(issues, "content contains refusal or error markers")
	}

	rawScore := 1.0
	if len(rawResponse) == 0 {
		rawScore = 0.5
		issues = append(issues, "missing raw response")
	}
	sub["raw_response"] = rawScore

	score := 0.4*lengthScore + 0.3*structureScore + 0.2*noiseScore + 0.1*rawScore

	return deliverable.Quality{Score: score, Issues: issues, SubScore: sub}
}

func scoreLength(content string) float64 {
	n := len(strings.TrimSpace(content))
	switch {
	case n == 0:
		return 0
	case n < 10:
		return 0.2
	case n < 40:
		return 0.6
	default:
		return 1.0
	}
}

func scoreStructure(kind deliverable.ContentKind, content string) float64 {
	trimmed := strings.TrimSpace(content)
	switch kind {
	case deliverable.ContentImageURL, deliverable.ContentAudioURL, deliverable.ContentVideoURL:
		if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
			return 1.0
		}
		return 0.0
	case deliverable.ContentStructured:
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			return 1.0
		}
		return 0.2
	default:
		return 1.0
	}
}

var noiseMarkers = []string{
	"i cannot", "i can't", "as an ai", "i apologize", "i'm unable to",
	"error:", "exception:", "stack trace",
}

func scoreNoise(content string) float64 {
	lower := strings.ToLower(content)
	hits := 0
	for _, marker := range noiseMarkers {
		if strings.Contains(lower, marker) {
			hits++
		}
	}
	switch {
	case hits == 0:
		return 1.0
	case hits == 1:
		return 0.5
	default:
		return 0.0
	}
}
