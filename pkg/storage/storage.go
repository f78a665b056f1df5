// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	Port       int    `yaml:"port"`
	StorageDir string `yaml:"storageDir"`
	HomeDir    string `yaml:"homeDir"`

	TempDir   string `yaml:"-"`
	ConfigDir string `yaml:"-"`
}

// Environment variables that override env.yaml.
const (
	EnvPort       = "ZM_PORT"
	EnvStorageDir = "ZM_STORAGE_DIR"
)

// Errors.
var (
	ErrPathNotAbsolute = errors.New("path is not absolute")
	ErrInvalidPort     = errors.New("invalid port")
)

// NewConfigEnv return new environment configuration.
// Values from a .env file next to envPath and from the
// process environment take precedence over envYAML.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)
	env.TempDir = filepath.Join(os.TempDir(), "zeromirror")

	dotEnvPath := filepath.Join(env.ConfigDir, ".env")
	if dirExist(dotEnvPath) {
		vars, err := godotenv.Read(dotEnvPath)
		if err != nil {
			return nil, fmt.Errorf("read .env: %w", err)
		}
		if err := env.applyOverrides(mapLookup(vars)); err != nil {
			return nil, fmt.Errorf(".env: %w", err)
		}
	}
	if err := env.applyOverrides(os.LookupEnv); err != nil {
		return nil, err
	}

	if env.Port == 0 {
		env.Port = 2020
	}
	if env.HomeDir == "" {
		env.HomeDir = filepath.Dir(env.ConfigDir)
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.HomeDir, "storage")
	}

	if !filepath.IsAbs(env.HomeDir) {
		return nil, fmt.Errorf("homeDir '%v': %w", env.HomeDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}

	return &env, nil
}

func (env *ConfigEnv) applyOverrides(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%v=%q: %w", EnvPort, v, ErrInvalidPort)
		}
		env.Port = port
	}
	if v, ok := lookup(EnvStorageDir); ok && v != "" {
		env.StorageDir = v
	}
	return nil
}

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// StreamDir is where segments and the manifest are written and served from.
func (env ConfigEnv) StreamDir() string {
	return filepath.Join(env.StorageDir, "stream")
}

// LogDBPath returns the path to the log database.
func (env ConfigEnv) LogDBPath() string {
	return filepath.Join(env.StorageDir, "logs.db")
}

// PrepareEnvironment prepares directories.
// Segments left over from a previous session are removed.
func (env ConfigEnv) PrepareEnvironment() error {
	// Make sure the directories aren't set to "/".
	if len(env.TempDir) <= 4 {
		panic(fmt.Sprintf("tempDir sanity check: %v", env.TempDir))
	}
	if len(env.StorageDir) <= 4 {
		panic(fmt.Sprintf("storageDir sanity check: %v", env.StorageDir))
	}

	if err := env.ClearStreamDir(); err != nil {
		return err
	}

	if err := os.RemoveAll(env.TempDir); err != nil {
		return fmt.Errorf("clear tempDir: %v: %w", env.TempDir, err)
	}
	if err := os.MkdirAll(env.TempDir, 0o700); err != nil {
		return fmt.Errorf("create tempDir: %v: %w", env.TempDir, err)
	}

	return nil
}

// ClearStreamDir removes every file in the stream directory.
// Called before each session since segment numbers restart at zero.
func (env ConfigEnv) ClearStreamDir() error {
	if err := os.RemoveAll(env.StreamDir()); err != nil {
		return fmt.Errorf("clear stream directory: %v: %w", env.StreamDir(), err)
	}
	err := os.MkdirAll(env.StreamDir(), 0o755)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create stream directory: %v: %w", env.StreamDir(), err)
	}
	return nil
}

func dirExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
