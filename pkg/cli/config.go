package cli

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/adapter"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/repository"
	"github.com/m-mizutani/rapport/pkg/usecase/collab"
	"github.com/m-mizutani/rapport/pkg/usecase/consensus"
	"github.com/m-mizutani/rapport/pkg/usecase/memory"
	"github.com/m-mizutani/rapport/pkg/usecase/prompt"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	counterpartGrok   = "grok"
	counterpartGemini = "gemini"

	// lockMargin is added to the converse timeout for the session lock, so a
	// step waiting behind a running step does not give up first
	lockMargin = 10 * time.Second
)

// config holds configuration values
type config struct {
	// Storage
	dataDir  string
	logLevel string

	// Tuning
	configFile      string
	maxRounds       int64
	converseTimeout time.Duration
	sessionBudget   int64

	// Counterpart
	counterpart    string
	xaiAPIKey      string
	grokModel      string
	grokBaseURL    string
	geminiProject  string
	geminiLocation string
	geminiModel    string

	// Archive
	archiveBucket   string
	archivePrefix   string
	archiveProject  string
	archiveDatabase string
}

// tuning is the content of the --config YAML file
type tuning struct {
	Consensus consensus.Config `yaml:"consensus"`
	Collab    collab.Config    `yaml:"collab"`
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "data-dir",
			Aliases:     []string{"d"},
			Usage:       "Directory holding learnings.json and sessions (default: ~/.rapport)",
			Sources:     cli.EnvVars("RAPPORT_DATA_DIR"),
			Destination: &cfg.dataDir,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("RAPPORT_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
	}
}

// collabFlags returns flags for session limits and the counterpart agent
func collabFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "YAML file with consensus thresholds and session limits",
			Sources:     cli.EnvVars("RAPPORT_CONFIG"),
			Destination: &cfg.configFile,
		},
		&cli.IntFlag{
			Name:        "max-rounds",
			Usage:       "Rounds after which an undecided session times out",
			Sources:     cli.EnvVars("RAPPORT_MAX_ROUNDS"),
			Destination: &cfg.maxRounds,
		},
		&cli.DurationFlag{
			Name:        "converse-timeout",
			Usage:       "Time limit of one counterpart call",
			Sources:     cli.EnvVars("RAPPORT_CONVERSE_TIMEOUT"),
			Destination: &cfg.converseTimeout,
		},
		&cli.IntFlag{
			Name:        "session-budget",
			Usage:       "Maximum system prompt size in bytes during collaboration",
			Sources:     cli.EnvVars("RAPPORT_SESSION_BUDGET"),
			Destination: &cfg.sessionBudget,
		},
		&cli.StringFlag{
			Name:        "counterpart",
			Usage:       "Counterpart agent (grok, gemini)",
			Value:       counterpartGrok,
			Sources:     cli.EnvVars("RAPPORT_COUNTERPART"),
			Destination: &cfg.counterpart,
		},
		&cli.StringFlag{
			Name:        "xai-api-key",
			Usage:       "xAI API key for Grok",
			Sources:     cli.EnvVars("XAI_API_KEY", "RAPPORT_XAI_API_KEY"),
			Destination: &cfg.xaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "grok-model",
			Usage:       "Grok model name",
			Value:       adapter.DefaultGrokModel,
			Sources:     cli.EnvVars("RAPPORT_GROK_MODEL"),
			Destination: &cfg.grokModel,
		},
		&cli.StringFlag{
			Name:        "grok-base-url",
			Usage:       "Base URL of the OpenAI compatible endpoint",
			Value:       adapter.DefaultGrokBaseURL,
			Sources:     cli.EnvVars("RAPPORT_GROK_BASE_URL"),
			Destination: &cfg.grokBaseURL,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model name",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
	}
}

// archiveFlags returns flags for the Cloud Storage transcript archive and its Firestore index
func archiveFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "archive-bucket",
			Usage:       "Cloud Storage bucket for closed session transcripts (archive disabled when empty)",
			Sources:     cli.EnvVars("RAPPORT_ARCHIVE_BUCKET"),
			Destination: &cfg.archiveBucket,
		},
		&cli.StringFlag{
			Name:        "archive-prefix",
			Usage:       "Object name prefix in the archive bucket",
			Sources:     cli.EnvVars("RAPPORT_ARCHIVE_PREFIX"),
			Destination: &cfg.archivePrefix,
		},
		&cli.StringFlag{
			Name:        "archive-project",
			Usage:       "Google Cloud project ID of the Firestore archive index",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.archiveProject,
		},
		&cli.StringFlag{
			Name:        "archive-database",
			Usage:       "Firestore database ID of the archive index",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.archiveDatabase,
		},
	}
}

// setupLogger installs the logger for the command. Logs go to stderr since
// stdout may carry the MCP stream.
func (cfg *config) setupLogger(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// resolveDataDir returns the data directory, defaulting to ~/.rapport
func (cfg *config) resolveDataDir() (string, error) {
	if cfg.dataDir != "" {
		return cfg.dataDir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", goerr.Wrap(err, "failed to find home directory, set --data-dir")
	}
	return filepath.Join(home, ".rapport"), nil
}

// loadTuning reads the YAML tuning file, if any, and applies flag overrides
func (cfg *config) loadTuning() (*tuning, error) {
	t := &tuning{
		Consensus: consensus.DefaultConfig(),
		Collab:    collab.DefaultConfig(),
	}

	if cfg.configFile != "" {
		data, err := os.ReadFile(cfg.configFile)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", cfg.configFile))
		}
		if err := yaml.Unmarshal(data, t); err != nil {
			return nil, goerr.Wrap(model.ErrInvalidInput, "failed to parse config file",
				goerr.V("path", cfg.configFile),
				goerr.V("cause", err.Error()))
		}
	}

	if cfg.maxRounds > 0 {
		t.Collab.MaxRounds = int(cfg.maxRounds)
	}
	if cfg.converseTimeout > 0 {
		t.Collab.ConverseTimeout = cfg.converseTimeout
	}
	if cfg.sessionBudget > 0 {
		t.Collab.SessionBudget = int(cfg.sessionBudget)
	}
	if t.Collab.CounterpartName == "" || t.Collab.CounterpartName == prompt.DefaultName {
		t.Collab.CounterpartName = counterpartName(cfg.counterpart)
	}

	if err := t.Consensus.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid consensus config", goerr.V("path", cfg.configFile))
	}

	return t, nil
}

func counterpartName(kind string) string {
	if kind == counterpartGemini {
		return "Gemini"
	}
	return prompt.DefaultName
}

// newStore creates the learning store in the data directory
func (cfg *config) newStore() (*memory.Store, error) {
	dir, err := cfg.resolveDataDir()
	if err != nil {
		return nil, err
	}
	return memory.New(dir), nil
}

// newSessions creates the session repository. The lock timeout covers one
// counterpart call because a step holds the session lock while it waits.
func (cfg *config) newSessions(t *tuning) (*repository.FileSessions, error) {
	dir, err := cfg.resolveDataDir()
	if err != nil {
		return nil, err
	}

	timeout := t.Collab.ConverseTimeout
	if timeout <= 0 {
		timeout = collab.DefaultConverseTimeout
	}

	return repository.NewFileSessions(filepath.Join(dir, "sessions"),
		repository.WithLockTimeout(timeout+lockMargin)), nil
}

// newConverser creates the counterpart adapter selected by --counterpart
func (cfg *config) newConverser(ctx context.Context) (adapter.Converser, error) {
	switch cfg.counterpart {
	case counterpartGrok, "":
		if cfg.xaiAPIKey == "" {
			return nil, goerr.New("xai-api-key is required for the grok counterpart")
		}
		grok, err := adapter.NewGrok(cfg.xaiAPIKey,
			adapter.WithGrokModel(cfg.grokModel),
			adapter.WithGrokBaseURL(cfg.grokBaseURL),
		)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create grok client")
		}
		return grok, nil

	case counterpartGemini:
		if cfg.geminiProject == "" {
			return nil, goerr.New("gemini-project is required for the gemini counterpart")
		}
		if cfg.geminiLocation == "" {
			return nil, goerr.New("gemini-location is required for the gemini counterpart")
		}
		var opts []adapter.GeminiOption
		if cfg.geminiModel != "" {
			opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
		}
		gemini, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create gemini client")
		}
		return gemini, nil

	default:
		return nil, goerr.Wrap(model.ErrInvalidInput, "unknown counterpart", goerr.V("counterpart", cfg.counterpart))
	}
}

// newArchiver creates the transcript archive. It returns nil when no bucket
// is configured. The Firestore index is used only when a project is set.
func (cfg *config) newArchiver(ctx context.Context) (*collab.CloudArchiver, func(), error) {
	if cfg.archiveBucket == "" {
		return nil, func() {}, nil
	}

	storage, err := adapter.NewStorage(ctx, cfg.archiveBucket, adapter.WithStoragePrefix(cfg.archivePrefix))
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create archive storage")
	}

	closeStorage := func() {
		if err := storage.Close(); err != nil {
			logging.From(ctx).Warn("failed to close archive storage", logging.ErrAttr(err))
		}
	}

	if cfg.archiveProject == "" {
		return collab.NewCloudArchiver(storage, nil), closeStorage, nil
	}

	index, err := repository.New(ctx, cfg.archiveProject, cfg.archiveDatabase)
	if err != nil {
		closeStorage()
		return nil, nil, goerr.Wrap(err, "failed to create archive index")
	}

	closer := func() {
		if err := index.Close(); err != nil {
			logging.From(ctx).Warn("failed to close archive index", logging.ErrAttr(err))
		}
		closeStorage()
	}
	return collab.NewCloudArchiver(storage, index), closer, nil
}

// newArchiveIndex creates the Firestore index alone, for browsing archived sessions
func (cfg *config) newArchiveIndex(ctx context.Context) (*repository.Firestore, error) {
	if cfg.archiveProject == "" {
		return nil, goerr.New("archive-project is required")
	}
	if cfg.archiveDatabase == "" {
		return nil, goerr.New("archive-database is required")
	}

	index, err := repository.New(ctx, cfg.archiveProject, cfg.archiveDatabase)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create archive index")
	}
	return index, nil
}

// newManager wires the session manager with all its dependencies. The
// counterpart is optional: without one, sessions can be listed and ended
// but Step fails.
func (cfg *config) newManager(ctx context.Context, store *memory.Store, converser adapter.Converser) (*collab.Manager, func(), error) {
	t, err := cfg.loadTuning()
	if err != nil {
		return nil, nil, err
	}

	detector, err := consensus.New(t.Consensus)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create consensus detector")
	}

	sessions, err := cfg.newSessions(t)
	if err != nil {
		return nil, nil, err
	}

	archiver, closer, err := cfg.newArchiver(ctx)
	if err != nil {
		return nil, nil, err
	}

	if converser == nil {
		converser = unavailableConverser{counterpart: cfg.counterpart}
	}

	opts := []collab.Option{collab.WithConfig(t.Collab)}
	if archiver != nil {
		opts = append(opts, collab.WithArchiver(archiver))
	}

	builder := prompt.New(store, prompt.WithName(t.Collab.CounterpartName))
	return collab.New(sessions, store, builder, detector, converser, opts...), closer, nil
}

// unavailableConverser stands in when no counterpart credentials are configured
type unavailableConverser struct {
	counterpart string
}

func (x unavailableConverser) Converse(ctx context.Context, systemPrompt string, history []model.Message) (string, error) {
	return "", goerr.New("counterpart is not configured", goerr.V("counterpart", x.counterpart))
}
