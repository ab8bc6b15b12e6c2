// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// minVaultKeyLen is the shortest encryption key the credential vault
// accepts.
const minVaultKeyLen = 32

var (
	// ErrInvalid marks configuration that failed validation.
	ErrInvalid = errors.New("invalid configuration")
	// ErrVaultKey marks a missing or too-short VOIP_ENCRYPTION_KEY.
	ErrVaultKey = errors.New("vault encryption key missing or too short")
)

// Config is the service configuration, loaded from environment
// variables with optional .env file support.
type Config struct {
	PublicBaseURL     string `mapstructure:"public_base_url" validate:"required,url"`
	PublicWsBase      string `mapstructure:"public_ws_base" validate:"required"`
	VoipEncryptionKey string `mapstructure:"voip_encryption_key"`
	LLMAPIKey         string `mapstructure:"llm_api_key" validate:"required"`
	LLMModel          string `mapstructure:"llm_model" validate:"required"`
	StoreURL          string `mapstructure:"store_url"`
	Port              int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	FillerDir         string `mapstructure:"filler_dir"`
	VADModelPath      string `mapstructure:"vad_model_path"`
	LogFile           string `mapstructure:"log_file"`
}

// Load reads configuration from the environment (and ENV_PATH file if
// set), applies defaults and validates the result.
func Load() (*Config, error) {
	vConfig := viper.New()

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	vConfig.SetConfigType("env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		vConfig.SetConfigFile(path)
	}
	vConfig.AutomaticEnv()
	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		// No config file is fine, environment variables carry it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: reading config file: %v", ErrInvalid, err)
		}
	}

	var cfg Config
	if err := vConfig.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(cfg.VoipEncryptionKey) < minVaultKeyLen {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrVaultKey, minVaultKeyLen)
	}
	return &cfg, nil
}

func setDefault(v *viper.Viper) {
	// keeping watch on https://github.com/spf13/viper/issues/188
	v.SetDefault("PUBLIC_BASE_URL", "")
	v.SetDefault("PUBLIC_WS_BASE", "")
	v.SetDefault("VOIP_ENCRYPTION_KEY", "")
	v.SetDefault("LLM_API_KEY", "")
	v.SetDefault("LLM_MODEL", "gemini-2.0-flash-live-001")
	v.SetDefault("STORE_URL", "")
	v.SetDefault("PORT", 8080)
	v.SetDefault("FILLER_DIR", "./fillers")
	v.SetDefault("VAD_MODEL_PATH", "")
	v.SetDefault("LOG_FILE", "")
}
