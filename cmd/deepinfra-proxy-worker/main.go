//go:build js && wasm

package main

import (
	"github.com/dvcrn/deepinfra-proxy/internal/app"
	"github.com/dvcrn/deepinfra-proxy/internal/config"
	"github.com/dvcrn/deepinfra-proxy/internal/keys"
	"github.com/dvcrn/deepinfra-proxy/internal/logger"
	"github.com/syumai/workers"
	"github.com/syumai/workers/cloudflare/kv"
)

// configEntry is the KV key holding an optional YAML config document.
const configEntry = "config.yaml"

func main() {
	log := logger.New()

	ns, err := kv.NewNamespace(keys.KVNamespace)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open KV namespace")
	}

	// A missing entry reads as empty, which resolves to mode defaults.
	raw, err := ns.GetString(configEntry, nil)
	if err != nil {
		log.Warn().Err(err).Msg("No config in KV, using defaults")
		raw = ""
	}

	cfg, err := config.Parse([]byte(raw), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config in KV")
	}

	kvKeys, err := keys.NewKVValidator(keys.KVNamespace)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create KV key validator")
	}

	log.Info().Msg("📦 Using Cloudflare KV for config and API keys")
	proxy, err := app.New(cfg, log, app.Options{
		ExtraKeys:      []keys.Validator{kvKeys},
		DisableKeyFile: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build proxy")
	}

	workers.Serve(proxy)
}
