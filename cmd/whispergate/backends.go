package main

import (
	"github.com/tiroq/whispergate/internal/asr"
	"github.com/tiroq/whispergate/internal/asr/localwhisper"
	"github.com/tiroq/whispergate/internal/asr/remotewhisper"
	"github.com/tiroq/whispergate/internal/asr/voskws"
	"github.com/tiroq/whispergate/internal/config"
	"github.com/tiroq/whispergate/internal/diaglog"
)

// newRegistry registers a factory for every backend the gateway ships.
// Only the configured one is ever built.
func newRegistry(cfg *config.GatewayConfig, diag *diaglog.Logger) *asr.Registry {
	r := asr.NewRegistry()

	r.Register(config.BackendLocal, func() (asr.Backend, error) {
		b := localwhisper.NewBackend(localwhisper.Config{
			ServerPath:            cfg.Local.ServerPath,
			ModelDir:              cfg.Local.ModelDir,
			Model:                 cfg.Local.Model,
			Device:                cfg.Local.Device,
			ComputeType:           cfg.Local.ComputeType,
			Threads:               cfg.Local.Threads,
			Port:                  cfg.Local.Port,
			StartupTimeoutSeconds: cfg.Local.StartupTimeoutSeconds,
			VADModelPath:          cfg.Local.VADModel,
			Endpoint:              cfg.Local.Endpoint,
		})
		b.SetLogger(diag)
		return b, nil
	})

	r.Register(config.BackendRemote, func() (asr.Backend, error) {
		c, err := remotewhisper.NewClient(remotewhisper.Config{
			BaseURL:        cfg.Remote.BaseURL,
			APIKey:         cfg.Remote.APIKey,
			Model:          cfg.Remote.Model,
			TimeoutSeconds: cfg.Remote.TimeoutSeconds,
			Models:         cfg.Remote.Models,
		})
		if err != nil {
			return nil, err
		}
		c.SetLogger(diag)
		return c, nil
	})

	r.Register(config.BackendVosk, func() (asr.Backend, error) {
		b, err := voskws.NewBackend(voskws.Config{
			URL:            cfg.Vosk.URL,
			Model:          cfg.Vosk.Model,
			TimeoutSeconds: cfg.Vosk.TimeoutSeconds,
		})
		if err != nil {
			return nil, err
		}
		b.SetLogger(diag)
		return b, nil
	})

	return r
}
