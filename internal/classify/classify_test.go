package classify_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/classify"
	"github.com/flowmesh/conductor/internal/config"
)

func TestClassifyExplicitTaskTypeWins(t *testing.T) {
	cfg := config.Default()
	res := classify.Classify("https://github.com/acme/widget needs a fix", classify.Hints{TaskType: "text"}, cfg)
	require.Equal(t, classify.TaskText, res.TaskType)
	require.Equal(t, 1.0, res.Confidence)
}

func TestClassifyRepoURLIsCode(t *testing.T) {
	cfg := config.Default()
	res := classify.Classify("please fix this", classify.Hints{RepoURL: "https://github.com/acme/widget"}, cfg)
	require.Equal(t, classify.TaskCode, res.TaskType)
}

func TestClassifyCodeKeyword(t *testing.T) {
	cfg := config.Default()
	res := classify.Classify("fix the stack trace in main.go", classify.Hints{}, cfg)
	require.Equal(t, classify.TaskCode, res.TaskType)
}

func TestClassifyScoringAndSubtask(t *testing.T) {
	cfg := config.Default()
	res := classify.Classify("please summarize this article for me", classify.Hints{}, cfg)
	require.Equal(t, classify.TaskText, res.TaskType)
	require.Equal(t, "summarization", res.Subtask)
}

func TestClassifyDefaultsToTextOnNoMatch(t *testing.T) {
	cfg := config.Default()
	res := classify.Classify("asdkjashdkjashdkasjh", classify.Hints{}, cfg)
	require.Equal(t, classify.TaskText, res.TaskType)
	require.Equal(t, 0.5, res.Confidence)
}

func TestClassifyIsPure(t *testing.T) {
	cfg := config.Default()
	hints := classify.Hints{RepoURL: "https://github.com/acme/widget"}
	first := classify.Classify("refactor the service", hints, cfg)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, classify.Classify("refactor the service", hints, cfg))
	}
}

func TestClassifyProviderModelResolution(t *testing.T) {
	cfg := config.Default()
	res := classify.Classify("draw me a picture of a cat", classify.Hints{}, cfg)
	require.Equal(t, classify.TaskImage, res.TaskType)
	require.Equal(t, "image", res.Provider)
	require.NotEmpty(t, res.Model)
}

func TestClassifyPreferredProviderOverridesRoutingTable(t *testing.T) {
	cfg := config.Default()
	res := classify.Classify("write an email", classify.Hints{PreferredProvider: "custom-text", PreferredModel: "m1"}, cfg)
	require.Equal(t, "custom-text", res.Provider)
	require.Equal(t, "m1", res.Model)
}
