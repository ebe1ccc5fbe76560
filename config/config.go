// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadServerFromFile loads a ServerConfig from a YAML or JSON file,
// applying ${VAR:default} environment substitution and then defaults.
func LoadServerFromFile(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	raw, err := loadFile(path, cfg)
	if err != nil {
		return nil, err
	}
	setServerDefaults(cfg, raw)
	return cfg, nil
}

// LoadClientFromFile loads a ClientConfig from a YAML or JSON file,
// applying ${VAR:default} environment substitution and then defaults.
func LoadClientFromFile(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if _, err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	setClientDefaults(cfg)
	return cfg, nil
}

// loadFile reads path, substitutes ${VAR:default} references, then
// tries YAML and falls back to JSON. It also returns the document
// decoded as a generic map, so callers can tell a key that is simply
// absent from a field that was explicitly set to its zero value.
func loadFile(path string, out interface{}) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	substituted := SubstituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(substituted), out); err != nil {
		if jsonErr := json.Unmarshal([]byte(substituted), out); jsonErr != nil {
			return nil, fmt.Errorf("config: parse file (tried YAML and JSON): %w", err)
		}
	}

	// JSON is valid YAML, so this succeeds for either source format;
	// best-effort only, an empty map just means nothing is protected
	// from defaulting.
	raw := map[string]interface{}{}
	_ = yaml.Unmarshal([]byte(substituted), &raw)
	return raw, nil
}

// SaveServerToFile writes cfg to path, choosing JSON or YAML by
// extension.
func SaveServerToFile(cfg *ServerConfig, path string) error {
	return saveFile(cfg, path)
}

// SaveClientToFile writes cfg to path, choosing JSON or YAML by
// extension.
func SaveClientToFile(cfg *ClientConfig, path string) error {
	return saveFile(cfg, path)
}

func saveFile(cfg interface{}, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}
