// Command shcserver is a reference HTTP server exposing SMART Health
// Card issuance, issuer key discovery, and SMART Health Link manifest
// hosting over JSON. It is a demonstration harness for the library, not a
// production issuer: keys are either supplied via environment variables
// or generated ephemerally at startup.
package main

import (
	"log/slog"
	"net/http"
	"os"

	stdecdsa "crypto/ecdsa"

	"github.com/spf13/viper"

	"github.com/amitkgupta/go-smarthealth/ecdsa"
)

type config struct {
	Addr       string
	Issuer     string
	StorageDir string
	KeyD       string
	KeyX       string
	KeyY       string
}

func loadConfig() config {
	viper.SetEnvPrefix("SHC")
	viper.AutomaticEnv()
	viper.SetDefault("ADDR", ":8080")
	viper.SetDefault("ISSUER", "http://localhost:8080")
	viper.SetDefault("STORAGE_DIR", "./shl-storage")

	return config{
		Addr:       viper.GetString("ADDR"),
		Issuer:     viper.GetString("ISSUER"),
		StorageDir: viper.GetString("STORAGE_DIR"),
		KeyD:       viper.GetString("PRIVATE_KEY_D"),
		KeyX:       viper.GetString("PRIVATE_KEY_X"),
		KeyY:       viper.GetString("PRIVATE_KEY_Y"),
	}
}

func loadOrGenerateKey(cfg config, logger *slog.Logger) (*stdecdsa.PrivateKey, error) {
	if cfg.KeyD != "" && cfg.KeyX != "" && cfg.KeyY != "" {
		return ecdsa.LoadKey(cfg.KeyD, cfg.KeyX, cfg.KeyY)
	}

	logger.Warn("no SHC_PRIVATE_KEY_{D,X,Y} configured; generating an ephemeral signing key for this process only")
	return ecdsa.GenerateKey()
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := loadConfig()

	key, err := loadOrGenerateKey(cfg, logger)
	if err != nil {
		logger.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}

	srv := newServer(cfg, key, logger)

	logger.Info("listening", "addr", cfg.Addr, "issuer", cfg.Issuer)
	if err := http.ListenAndServe(cfg.Addr, srv.mux); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
