// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

// envVarPattern matches ${VAR} or ${VAR:default} references inside a
// loaded config file.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces every ${VAR} or ${VAR:default} reference
// in input with the named environment variable's value, or default if
// the variable is unset or empty.
func SubstituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadDotEnv loads key=value pairs from path into the process
// environment if the file exists, so config files can reference them
// via ${VAR}. A missing file is not an error — it is normal outside
// local development.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadServer loads a ServerConfig from path if it exists, else starts
// from DefaultServerConfig(), then applies environment variable
// overrides (highest priority). It also loads ./.env first, for local
// development.
func LoadServer(path string) (*ServerConfig, error) {
	_ = LoadDotEnv(".env")

	var cfg *ServerConfig
	if fileExists(path) {
		loaded, err := LoadServerFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: load server config: %w", err)
		}
		cfg = loaded
	} else {
		d := DefaultServerConfig()
		cfg = &d
	}

	applyServerEnvOverrides(cfg)
	return cfg, nil
}

// LoadClient loads a ClientConfig the same way LoadServer does.
func LoadClient(path string) (*ClientConfig, error) {
	_ = LoadDotEnv(".env")

	var cfg *ClientConfig
	if fileExists(path) {
		loaded, err := LoadClientFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: load client config: %w", err)
		}
		cfg = loaded
	} else {
		d := DefaultClientConfig()
		cfg = &d
	}

	applyClientEnvOverrides(cfg)
	return cfg, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func applyServerEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("RELAY_WALLET_PRIVATE_KEY"); v != "" {
		cfg.Wallet.PrivateKey = v
	}
	if v := os.Getenv("RELAY_AUDIT_DSN"); v != "" {
		cfg.AuditDSN = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func applyClientEnvOverrides(cfg *ClientConfig) {
	if v := os.Getenv("RELAY_WALLET_PRIVATE_KEY"); v != "" {
		cfg.Wallet.PrivateKey = v
	}
	if v := os.Getenv("RELAY_SERVER_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
