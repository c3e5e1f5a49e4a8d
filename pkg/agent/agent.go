package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/neuroplastio/tpmiddle/internal/configsvc"
	"github.com/neuroplastio/tpmiddle/internal/hidsvc"
	"github.com/neuroplastio/tpmiddle/internal/hidsvc/linux"
	"github.com/neuroplastio/tpmiddle/internal/remapper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

type Agent struct {
	config Config

	log         *zap.Logger
	level       zap.AtomicLevel
	levelPinned bool

	db          *badger.DB
	configSvc   *configsvc.Service
	hidSvc      *hidsvc.Service
	remapperSvc *remapper.Service
}

func NewAgent(config Config) (*Agent, error) {
	fileConfig, err := configsvc.LoadOrInit(config.ConfigFile, DefaultFileConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	levelText := fileConfig.LogLevel
	if config.LogLevel != "" {
		levelText = config.LogLevel
	}
	level, err := zap.ParseAtomicLevel(levelText)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelText, err)
	}

	logger, err := newLogger(level)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}

	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	configSvc := configsvc.New(logger.Named("config"))
	linuxHid := linux.NewBackend(logger.Named("hid.linux"), configSvc, config.ConfigFile,
		linux.WithPollInterval(config.PollInterval),
		linux.WithReadTimeout(config.ReadTimeout),
	)
	hidSvc := hidsvc.New(db, logger.Named("hid"), time.Now, hidsvc.WithBackend("linux", linuxHid))
	remapperSvc := remapper.New(logger.Named("remapper"), hidSvc, remapper.WithOutput(config.virtualMouseAddress()))

	return &Agent{
		config:      config,
		log:         logger,
		level:       level,
		levelPinned: config.LogLevel != "",
		db:          db,
		configSvc:   configSvc,
		hidSvc:      hidSvc,
		remapperSvc: remapperSvc,
	}, nil
}

func newLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.Level = level
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return loggerConfig.Build()
}

func (a *Agent) Close() error {
	err := a.db.Close()
	_ = a.log.Sync()
	if err != nil {
		return fmt.Errorf("failed to close badger db: %w", err)
	}
	return nil
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

// Run starts the agent and blocks until the context is cancelled.
// Agent startup will fail if the virtual mouse cannot be created.
// Keyboards may come and go while the agent runs.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.watchLogLevel(groupCtx)
	})
	group.Go(func() error {
		return a.hidSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.remapperSvc.Start(groupCtx)
	})

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

// watchLogLevel applies log level changes from the config file unless the
// level was set on the command line.
func (a *Agent) watchLogLevel(ctx context.Context) error {
	if a.levelPinned {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case <-a.configSvc.Ready():
	}
	_, err := configsvc.Register(a.configSvc, a.config.ConfigFile, DefaultFileConfig, func(cfg FileConfig, err error) {
		if err != nil {
			a.log.Error("failed to reload config", zap.Error(err))
			return
		}
		if err := a.level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			a.log.Error("invalid log level", zap.String("level", cfg.LogLevel), zap.Error(err))
			return
		}
		a.log.Info("Log level changed", zap.Stringer("level", a.level.Level()))
	})
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	return nil
}

func (a *Agent) HID() *hidsvc.Service {
	return a.hidSvc
}
