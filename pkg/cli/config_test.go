package cli

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/collab"
	"github.com/m-mizutani/rapport/pkg/usecase/consensus"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	gt.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTuningDefaults(t *testing.T) {
	cfg := &config{counterpart: counterpartGrok}

	tn, err := cfg.loadTuning()
	gt.NoError(t, err)
	gt.Equal(t, tn.Consensus, consensus.DefaultConfig())
	gt.Equal(t, tn.Collab, collab.DefaultConfig())
}

func TestLoadTuningFile(t *testing.T) {
	path := writeFile(t, "rapport.yaml", `
consensus:
  positive_threshold: 0.7
  disagreement_rounds: 2
collab:
  max_rounds: 4
  converse_timeout: 45s
  task_budget: 12000
`)

	t.Run("file values", func(t *testing.T) {
		cfg := &config{configFile: path, counterpart: counterpartGrok}
		tn, err := cfg.loadTuning()
		gt.NoError(t, err)

		gt.Equal(t, tn.Consensus.PositiveThreshold, 0.7)
		gt.Equal(t, tn.Consensus.NegativeThreshold, consensus.DefaultNegativeThreshold)
		gt.Equal(t, tn.Consensus.DisagreementRounds, 2)
		gt.Equal(t, tn.Collab.MaxRounds, 4)
		gt.Equal(t, tn.Collab.ConverseTimeout, 45*time.Second)
		gt.Equal(t, tn.Collab.SessionBudget, collab.DefaultConfig().SessionBudget)
		gt.Equal(t, tn.Collab.TaskBudget, 12000)
	})

	t.Run("flags override file", func(t *testing.T) {
		cfg := &config{
			configFile:      path,
			counterpart:     counterpartGemini,
			maxRounds:       7,
			converseTimeout: 10 * time.Second,
			sessionBudget:   5000,
		}
		tn, err := cfg.loadTuning()
		gt.NoError(t, err)

		gt.Equal(t, tn.Collab.MaxRounds, 7)
		gt.Equal(t, tn.Collab.ConverseTimeout, 10*time.Second)
		gt.Equal(t, tn.Collab.SessionBudget, 5000)
		gt.Equal(t, tn.Collab.CounterpartName, "Gemini")
	})
}

func TestLoadTuningInvalid(t *testing.T) {
	testCases := map[string]string{
		"broken yaml":         "consensus: [",
		"inverted thresholds": "consensus:\n  positive_threshold: -0.5\n  negative_threshold: 0.2\n",
		"zero rounds":         "consensus:\n  disagreement_rounds: 0\n",
	}

	for name, content := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := &config{configFile: writeFile(t, "rapport.yaml", content)}
			_, err := cfg.loadTuning()
			gt.Error(t, err)
			gt.True(t, errors.Is(err, model.ErrInvalidInput))
		})
	}
}

func TestLoadTuningMissingFile(t *testing.T) {
	cfg := &config{configFile: filepath.Join(t.TempDir(), "missing.yaml")}
	_, err := cfg.loadTuning()
	gt.Error(t, err)
}

func TestNewConverser(t *testing.T) {
	t.Run("grok requires key", func(t *testing.T) {
		cfg := &config{counterpart: counterpartGrok}
		_, err := cfg.newConverser(t.Context())
		gt.Error(t, err)
	})

	t.Run("grok with key", func(t *testing.T) {
		cfg := &config{counterpart: counterpartGrok, xaiAPIKey: "test-key"}
		conv, err := cfg.newConverser(t.Context())
		gt.NoError(t, err)
		gt.V(t, conv).NotNil()
	})

	t.Run("gemini requires project", func(t *testing.T) {
		cfg := &config{counterpart: counterpartGemini, geminiLocation: "us-central1"}
		_, err := cfg.newConverser(t.Context())
		gt.Error(t, err)
	})

	t.Run("unknown counterpart", func(t *testing.T) {
		cfg := &config{counterpart: "eliza"}
		_, err := cfg.newConverser(t.Context())
		gt.True(t, errors.Is(err, model.ErrInvalidInput))
	})
}

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2025-02-01T00:00:00Z", now)
	gt.NoError(t, err)
	gt.True(t, got.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))

	got, err = parseSince("24h", now)
	gt.NoError(t, err)
	gt.True(t, got.Equal(now.Add(-24*time.Hour)))

	_, err = parseSince("yesterday", now)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))

	_, err = parseSince("-1h", now)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))
}
