package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/loamctl/loam/pkg/config"
	"github.com/loamctl/loam/pkg/engine"
	"github.com/loamctl/loam/pkg/providers"
	"github.com/loamctl/loam/pkg/providers/host"
	"github.com/loamctl/loam/pkg/state"
	"github.com/loamctl/loam/pkg/telemetry"
)

const defaultStatePath = "loam.state.json"

// providerInfo is what the providers command reports per adapter.
type providerInfo struct {
	Name     string
	Type     string
	Version  string
	Manifest string
	Types    []string
}

// runtime holds everything a command needs wired together: evaluated
// configuration, provider registry, state store, and telemetry.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	registry *providers.Registry
	store    engine.StateStore
	infos    []providerInfo
	closers  []func() error
}

// newRuntime evaluates the configuration and wires providers, state,
// and telemetry. Callers must Close it.
func newRuntime(ctx context.Context, flags *globalFlags) (*runtime, error) {
	telCfg := telemetry.DefaultConfig()
	telCfg.Logging.Level = flags.logLevel
	if flags.logJSON {
		telCfg.Logging.Format = "json"
	}
	if err := telCfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := telemetry.NewLogger(telCfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	vars, err := flags.parseVars()
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewLoader().Load(ctx, flags.sources, vars)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(telCfg.Metrics),
	}
	if err := rt.wireProviders(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.openStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// wireProviders registers the built-in memory provider and every
// adapter declared in the workspace.
func (rt *runtime) wireProviders(ctx context.Context) error {
	rt.registry = providers.NewRegistry()

	loader := host.NewManifestLoader("")
	for name, ref := range rt.cfg.Workspace.Providers {
		manifest, err := loader.LoadFromFile(ref.Manifest)
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}

		info := providerInfo{
			Name:     name,
			Version:  manifest.Doc.Version,
			Manifest: ref.Manifest,
		}
		for typ := range manifest.Doc.Resources {
			info.Types = append(info.Types, typ)
		}
		sort.Strings(info.Types)

		switch ref.Type {
		case "memory":
			info.Type = "memory"
			if err := rt.registry.Register(name, providers.NewMemoryProvider(manifest.Schemas())); err != nil {
				return err
			}
		default:
			info.Type = "wasm"
			module, err := os.ReadFile(manifest.ModulePath)
			if err != nil {
				return fmt.Errorf("provider %s: read module: %w", name, err)
			}
			provider, err := host.NewWASMProvider(ctx, manifest, module, nil)
			if err != nil {
				return fmt.Errorf("provider %s: %w", name, err)
			}
			if err := rt.registry.Register(name, provider); err != nil {
				return err
			}
			rt.closers = append(rt.closers, func() error {
				return provider.Close(context.Background())
			})
		}

		rt.infos = append(rt.infos, info)
		rt.logger.Debug().
			Str("provider", name).
			Str("type", info.Type).
			Str("version", info.Version).
			Msg("Provider registered")
	}
	sort.Slice(rt.infos, func(i, j int) bool { return rt.infos[i].Name < rt.infos[j].Name })
	return nil
}

// openStore builds the state backend the workspace selects.
func (rt *runtime) openStore(ctx context.Context) error {
	sc := rt.cfg.Workspace.State
	path := sc.Path
	if path == "" {
		path = defaultStatePath
	}

	switch sc.Backend {
	case "", "file":
		store, err := state.NewFileStore(path, rt.logger)
		if err != nil {
			return err
		}
		rt.store = store

	case "sqlite":
		store, err := state.NewSQLiteStore(state.SQLiteConfig{Path: path}, rt.logger)
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		rt.store = store
		rt.closers = append(rt.closers, store.Close)

	case "sftp":
		hostKeys, err := knownHostsCallback()
		if err != nil {
			return err
		}
		store, err := state.NewSFTPStore(state.SFTPConfig{
			Host:            sc.Host,
			Port:            sc.Port,
			User:            sc.User,
			PrivateKeyPath:  sc.PrivateKeyPath,
			Path:            path,
			HostKeyCallback: hostKeys,
		}, rt.logger)
		if err != nil {
			return err
		}
		if err := store.Connect(ctx); err != nil {
			return err
		}
		rt.store = store
		rt.closers = append(rt.closers, store.Close)

	default:
		return fmt.Errorf("unsupported state backend %q", sc.Backend)
	}
	return nil
}

func knownHostsCallback() (ssh.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	callback, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return callback, nil
}

// lock takes the state lock for the given operation and returns the
// unlock function.
func (rt *runtime) lock(ctx context.Context, operation string) (func(), error) {
	info := engine.LockInfo{
		ID:        uuid.New().String(),
		Who:       lockOwner(),
		Operation: operation,
		CreatedAt: time.Now(),
	}
	if err := rt.store.Lock(ctx, info); err != nil {
		if state.IsLockConflict(err) {
			return nil, fmt.Errorf("state is locked: %w", err)
		}
		return nil, err
	}
	return func() {
		if err := rt.store.Unlock(context.Background(), info.ID); err != nil {
			rt.logger.Error().Err(err).Msg("Failed to release state lock")
		}
	}, nil
}

func lockOwner() string {
	user := os.Getenv("USER")
	hostname, _ := os.Hostname()
	if user == "" {
		user = "unknown"
	}
	return user + "@" + hostname
}

// executorConfig derives executor settings from the workspace.
func (rt *runtime) executorConfig() engine.ExecutorConfig {
	cfg := engine.DefaultExecutorConfig()
	if rt.cfg.Workspace.Parallelism > 0 {
		cfg.Parallelism = rt.cfg.Workspace.Parallelism
	}
	if rt.cfg.Workspace.DestroyScope != "" {
		cfg.DestroyScope = engine.ReferenceScope(rt.cfg.Workspace.DestroyScope)
	}
	return cfg
}

// saveRunHistory persists the run when the backend supports history.
func (rt *runtime) saveRunHistory(ctx context.Context, run *engine.Run, events []engine.Event) {
	store, ok := rt.store.(*state.SQLiteStore)
	if !ok {
		return
	}
	if err := store.SaveRun(ctx, run, events); err != nil {
		rt.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to save run history")
	}
}

// Close releases providers and backend connections.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Error().Err(err).Msg("Cleanup failed")
		}
	}
}
