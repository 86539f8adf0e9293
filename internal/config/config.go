// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package config loads the device-local YAML configuration that wires
// together device identity, the Director/Image repository URLs,
// on-disk storage paths, and device-certificate credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"

	yaml "gopkg.in/yaml.v3"
)

var log = logger.Logger()

// TLSCredentials points at the PEM files used for mutual TLS against
// the backend. A PKCS#11 variant is selected by leaving KeyPath empty
// and setting Pkcs11URI.
type TLSCredentials struct {
	CertPath  string `yaml:"certPath"`
	KeyPath   string `yaml:"keyPath"`
	CAPath    string `yaml:"caPath"`
	Pkcs11URI string `yaml:"pkcs11Uri,omitempty"`
}

// Repository holds the base URL the fetcher GETs role files and target
// binaries from for one of the two Uptane repositories.
type Repository struct {
	MetadataURL string `yaml:"metadataURL"`
	TargetsURL  string `yaml:"targetsURL"`
}

// Config is the complete on-disk configuration for one device.
type Config struct {
	Version  string `yaml:"version"`
	DeviceID string `yaml:"deviceID"`
	LogLevel string `yaml:"logLevel"`

	// Director and Image are the two independent Uptane repositories.
	Director Repository `yaml:"director"`
	Image    Repository `yaml:"image"`

	// RegistrationURL is loaded from the config file; Initialize does
	// not read it and no registration request is sent.
	RegistrationURL string `yaml:"registrationURL"`

	StoragePath string `yaml:"storagePath"`

	TLS TLSCredentials `yaml:"tls"`

	// Mode selects the orchestrator's running mode (see orchestrator.Mode).
	Mode string `yaml:"mode"`

	// PollingInterval is the fixed period at which RunForever starts a
	// new cycle, in every mode except Manual, whatever the last cycle found.
	PollingInterval time.Duration `yaml:"pollingInterval"`

	// NetworkTimeout bounds every individual HTTP call to the backend.
	NetworkTimeout time.Duration `yaml:"networkTimeout"`

	// SecondaryTimeout bounds every individual Secondary IPC call.
	SecondaryTimeout time.Duration `yaml:"secondaryTimeout"`

	// DelegationMaxDepth bounds delegated-Targets tree walks.
	DelegationMaxDepth int `yaml:"delegationMaxDepth"`
}

func (cfg *Config) setDefaults() {
	if cfg.PollingInterval == 0 {
		cfg.PollingInterval = 5 * time.Minute
	}
	if cfg.NetworkTimeout == 0 {
		cfg.NetworkTimeout = 30 * time.Second
	}
	if cfg.SecondaryTimeout == 0 {
		cfg.SecondaryTimeout = 60 * time.Second
	}
	if cfg.DelegationMaxDepth == 0 {
		cfg.DelegationMaxDepth = 5
	}
	if cfg.Mode == "" {
		cfg.Mode = "Full"
	}
}

func (cfg *Config) validate() error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("deviceID is required")
	}
	if cfg.Director.MetadataURL == "" {
		return fmt.Errorf("director.metadataURL is required")
	}
	if cfg.Image.MetadataURL == "" {
		return fmt.Errorf("image.metadataURL is required")
	}
	if cfg.StoragePath == "" {
		return fmt.Errorf("storagePath is required")
	}
	if cfg.TLS.CertPath == "" {
		return fmt.Errorf("tls.certPath is required")
	}
	if cfg.PollingInterval < 0 {
		return fmt.Errorf("pollingInterval cannot be negative")
	}
	if cfg.NetworkTimeout < 0 {
		return fmt.Errorf("networkTimeout cannot be negative")
	}
	if cfg.SecondaryTimeout < 0 {
		return fmt.Errorf("secondaryTimeout cannot be negative")
	}
	return nil
}

// New loads, defaults, and validates the configuration at cfgPath.
func New(cfgPath string) (*Config, error) {
	log.Infoln("Config path", cfgPath)

	if err := refuseSymlink(cfgPath); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(cfgPath)
	if err != nil {
		log.Errorf("Loading config failed: %v", err)
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		log.Errorf("Unmarshaling failed: %v", err)
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		log.Errorf("Config validation failed: %v", err)
		return nil, err
	}

	log.Debugf("Loaded configuration: %+v", cfg)
	return &cfg, nil
}

// refuseSymlink rejects config paths that are symlinks.
func refuseSymlink(path string) error {
	fileInfo, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("lstat command failed: %v", err)
	}
	if fileInfo.Mode()&os.ModeSymlink == os.ModeSymlink {
		return fmt.Errorf("loading config failed- %v is a symlink", path)
	}
	return nil
}
