package app

import (
	"context"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nuetzliches/dtqueue/internal/config"
	"github.com/nuetzliches/dtqueue/internal/secrets"
)

const watchDebounce = 200 * time.Millisecond

func watchConfig(ctx context.Context, path string, logger *zap.Logger, reload func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", zap.Error(err))
		return
	}
	defer w.Close()

	// Watch the directory: editors often replace the file by rename.
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", zap.Error(err))
		return
	}

	logger.Info("watching_config", zap.String("path", path))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(watchDebounce)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", zap.Error(err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}

// reload re-reads the config file and applies the settings that can change
// in a running process: log_level and auth_tokens. Other differences are
// logged and wait for a restart. It reports whether anything was applied.
func (s *service) reload(path, trigger string) bool {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next, warnings, err := config.Load(path)
	if err != nil {
		s.logger.Error("config_reload_failed", zap.Error(err), zap.String("trigger", trigger))
		return false
	}
	for _, w := range warnings {
		s.logger.Warn("config_warning", zap.String("warning", w))
	}

	changes := config.Diff(s.cfg, next)
	if len(changes) == 0 {
		s.logger.Info("config_reload_unchanged", zap.String("trigger", trigger))
		return false
	}

	var pending []string
	for _, c := range changes {
		if c.RestartRequired {
			pending = append(pending, c.Field)
		}
	}
	if len(pending) > 0 {
		s.logger.Warn("config_reloaded_restart_required",
			zap.Strings("fields", pending),
			zap.String("trigger", trigger),
		)
	}

	applied := false
	if next.LogLevel != s.cfg.LogLevel {
		lvl, err := parseLogLevel(next.LogLevel)
		if err != nil {
			s.logger.Error("config_reload_failed", zap.Error(err), zap.String("trigger", trigger))
			return false
		}
		s.level.SetLevel(lvl)
		s.cfg.LogLevel = next.LogLevel
		applied = true
	}
	if !slices.Equal(next.AuthTokens, s.cfg.AuthTokens) {
		raw, err := secrets.LoadAll(next.AuthTokens)
		if err != nil {
			s.logger.Error("config_reload_failed", zap.Error(err), zap.String("trigger", trigger))
			return applied
		}
		s.tokens.Replace(raw)
		s.cfg.AuthTokens = next.AuthTokens
		applied = true
	}
	if applied {
		s.logger.Info("config_reloaded_ok",
			zap.String("trigger", trigger),
			zap.String("log_level", s.cfg.LogLevel),
			zap.Bool("auth_enabled", s.tokens.Enabled()),
		)
	}
	return applied
}
