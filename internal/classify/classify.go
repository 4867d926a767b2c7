// Package classify implements the pure, deterministic request classifier
// described in spec.md §4.1. It performs no I/O: the same (query, hints)
// pair always yields the same result.
package classify

import (
	"regexp"
	"strings"

	"github.com/flowmesh/conductor/internal/config"
)

// TaskType enumerates the recognized work categories.
type TaskType string

// Recognized task types, in the tie-break declaration order used by rule 3.
const (
	TaskText    TaskType = "text"
	TaskImage   TaskType = "image"
	TaskAudio   TaskType = "audio"
	TaskVideo   TaskType = "video"
	TaskContext TaskType = "context"
	TaskCode    TaskType = "code"
	TaskUnknown TaskType = "unknown"
)

// declarationOrder is the tie-break order for rule 3.
var declarationOrder = []TaskType{TaskText, TaskImage, TaskAudio, TaskVideo, TaskContext}

// Hints carries the optional classification inputs a submission may pin.
type Hints struct {
	TaskType          string
	PreferredProvider string
	PreferredModel    string
	RepoURL           string
	Executor          string
}

// Result is the outcome of classifying one submission.
type Result struct {
	TaskType   TaskType
	Provider   string
	Model      string
	Confidence float64
	Subtask    string
}

var repoHostPattern = regexp.MustCompile(`(?i)(github\.com|gitlab\.com|bitbucket\.org)/[\w.-]+/[\w.-]+`)

var codeKeywords = []string{
	"function", "class ", "def ", "import ", "package ", "compile", "refactor",
	"bug", "stack trace", "exception", "unit test", "pull request", "repository",
	"pip install", "npm install", "go build", "makefile",
}

// subtaskPattern names one subtask and the keywords that count toward it.
// subtasks are ordered so scoring ties break deterministically on declaration
// order, preserving classify's purity guarantee.
type subtaskPattern struct {
	name     string
	keywords []string
}

// patternSet maps a task type to the substrings counted for scoring in rule
// 3, plus an ordered list of subtask scorers.
type patternSet struct {
	keywords []string
	subtasks []subtaskPattern
}

var patterns = map[TaskType]patternSet{
	TaskText: {
		keywords: []string{"write", "essay", "summarize", "translate", "poem", "story", "article", "email"},
		subtasks: []subtaskPattern{
			{"summarization", []string{"summarize", "summary", "tl;dr"}},
			{"translation", []string{"translate", "translation"}},
			{"creative", []string{"poem", "story", "haiku", "lyrics"}},
		},
	},
	TaskImage: {
		keywords: []string{"image", "picture", "photo", "draw", "illustration", "logo", "painting"},
		subtasks: []subtaskPattern{
			{"editing", []string{"edit", "retouch", "remove background"}},
			{"generation", []string{"generate", "draw", "create an image"}},
		},
	},
	TaskAudio: {
		keywords: []string{"audio", "song", "music", "voice", "speech", "podcast", "sound effect"},
		subtasks: []subtaskPattern{
			{"speech", []string{"voice", "speech", "narration"}},
			{"music", []string{"song", "music", "melody"}},
		},
	},
	TaskVideo: {
		keywords: []string{"video", "movie", "clip", "animation", "film", "trailer"},
		subtasks: []subtaskPattern{
			{"animation", []string{"animate", "animation"}},
		},
	},
	TaskContext: {
		keywords: []string{"document", "pdf", "knowledge base", "context window", "retrieve", "rag", "embed"},
	},
}

// Classify maps (query, hints) to a classification decision, then resolves
// provider/model via cfg's routing table. It is pure: no I/O, no clock.
func Classify(query string, hints Hints, cfg config.Config) Result {
	lowerQuery := strings.ToLower(query)

	// Rule 1: explicit task type wins outright.
	if hints.TaskType != "" {
		tt := TaskType(strings.ToLower(hints.TaskType))
		return resolve(tt, "", 1.0, hints, cfg)
	}

	// Rule 2: repo URL or code vocabulary, unless explicit type says
	// otherwise (already handled by rule 1 returning above).
	if hints.RepoURL != "" || repoHostPattern.MatchString(query) || containsAny(lowerQuery, codeKeywords) {
		return resolve(TaskCode, "", 0.9, hints, cfg)
	}

	// Rule 3: score every candidate type, break ties by declaration order.
	bestType := TaskType("")
	bestScore := 0
	for _, tt := range declarationOrder {
		score := countMatches(lowerQuery, patterns[tt].keywords)
		if score > bestScore {
			bestScore = score
			bestType = tt
		}
	}

	// Rule 4: default to text with low confidence when nothing matched.
	if bestScore == 0 {
		return resolve(TaskText, "", 0.5, hints, cfg)
	}

	subtask := bestSubtask(lowerQuery, patterns[bestType].subtasks)
	confidence := confidenceFor(bestScore)
	return resolve(bestType, subtask, confidence, hints, cfg)
}

func resolve(tt TaskType, subtask string, confidence float64, hints Hints, cfg config.Config) Result {
	provider, model := hints.PreferredProvider, hints.PreferredModel
	if provider == "" || model == "" {
		if rt, ok := cfg.RouteFor(string(tt), subtask); ok {
			if provider == "" {
				provider = rt.Provider
			}
			if model == "" {
				model = rt.Model
			}
		}
	}
	return Result{TaskType: tt, Provider: provider, Model: model, Confidence: confidence, Subtask: subtask}
}

func bestSubtask(query string, subtasks []subtaskPattern) string {
	best, bestScore := "", 0
	for _, st := range subtasks {
		score := countMatches(query, st.keywords)
		if score > bestScore {
			bestScore = score
			best = st.name
		}
	}
	return best
}

func countMatches(query string, needles []string) int {
	n := 0
	for _, needle := range needles {
		if strings.Contains(query, needle) {
			n++
		}
	}
	return n
}

func containsAny(query string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(query, needle) {
			return true
		}
	}
	return false
}

// confidenceFor maps a raw keyword-match count to a [0,1] confidence score,
// saturating at 4+ matches.
func confidenceFor(matches int) float64 {
	if matches >= 4 {
		return 0.95
	}
	return 0.6 + 0.1*float64(matches)
}
