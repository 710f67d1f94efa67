package config

import (
	"errors"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ErrNoConfigFile is returned by Watch when there is no file to follow.
var ErrNoConfigFile = errors.New("config: no config file to watch")

// Watch re-reads the config file whenever it changes and passes the result to onChange.
// Reloads that fail to parse or validate are logged and skipped; the previous config stays in
// effect. Only the rules list and control.paused are meant to change at runtime.
func Watch(path string, logger zerolog.Logger, onChange func(*Config)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return ErrNoConfigFile
	}

	log := logger.With().Str("component", "config").Logger()
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("config reload rejected")
			return
		}
		log.Info().Str("file", e.Name).Msg("config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
