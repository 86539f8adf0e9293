// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, cfg config.Config) string {
	t.Helper()
	f, err := os.CreateTemp("", "test_config")
	require.NoError(t, err)
	defer f.Close()

	content, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func baseConfig() config.Config {
	return config.Config{
		Version:  "v0.0.0",
		DeviceID: "6B29FC40-CA47-AAAA-B31D-00DD010662DA",
		LogLevel: "debug",
		Director: config.Repository{
			MetadataURL: "https://director.example.com/metadata",
			TargetsURL:  "https://director.example.com/targets",
		},
		Image: config.Repository{
			MetadataURL: "https://image.example.com/metadata",
			TargetsURL:  "https://image.example.com/targets",
		},
		StoragePath: "./build/sample/storage",
		TLS: config.TLSCredentials{
			CertPath: "/etc/vehicle-update-agent/device.crt",
			KeyPath:  "/etc/vehicle-update-agent/device.key",
			CAPath:   "/etc/vehicle-update-agent/ca.crt",
		},
	}
}

func TestNew_AllFieldsAssigned(t *testing.T) {
	cfg := baseConfig()
	fileName := writeConfigFile(t, cfg)
	defer os.Remove(fileName)

	loaded, err := config.New(fileName)
	require.NoError(t, err)
	assert.Equal(t, cfg.DeviceID, loaded.DeviceID)
	assert.Equal(t, cfg.LogLevel, loaded.LogLevel)
	assert.Equal(t, cfg.Director.MetadataURL, loaded.Director.MetadataURL)
	assert.Equal(t, cfg.Image.MetadataURL, loaded.Image.MetadataURL)
	assert.Equal(t, cfg.StoragePath, loaded.StoragePath)
	assert.Equal(t, cfg.TLS.CertPath, loaded.TLS.CertPath)
}

func TestNew_DefaultsApplied(t *testing.T) {
	cfg := baseConfig()
	fileName := writeConfigFile(t, cfg)
	defer os.Remove(fileName)

	loaded, err := config.New(fileName)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, loaded.PollingInterval)
	assert.Equal(t, 30*time.Second, loaded.NetworkTimeout)
	assert.Equal(t, 60*time.Second, loaded.SecondaryTimeout)
	assert.Equal(t, 5, loaded.DelegationMaxDepth)
	assert.Equal(t, "Full", loaded.Mode)
}

func TestNew_CustomValuesPreserved(t *testing.T) {
	cfg := baseConfig()
	cfg.PollingInterval = 45 * time.Minute
	cfg.NetworkTimeout = 3 * time.Second
	cfg.Mode = "Check"
	fileName := writeConfigFile(t, cfg)
	defer os.Remove(fileName)

	loaded, err := config.New(fileName)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, loaded.PollingInterval)
	assert.Equal(t, 3*time.Second, loaded.NetworkTimeout)
	assert.Equal(t, "Check", loaded.Mode)
}

func TestNew_NegativePollingIntervalRejected(t *testing.T) {
	cfg := baseConfig()
	cfg.PollingInterval = -5 * time.Minute
	fileName := writeConfigFile(t, cfg)
	defer os.Remove(fileName)

	loaded, err := config.New(fileName)
	assert.Nil(t, loaded)
	require.Error(t, err)
	assert.Equal(t, "pollingInterval cannot be negative", err.Error())
}

func TestNew_MissingFileReturnsError(t *testing.T) {
	cfg, err := config.New("./this/path/does/not/exist")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestNew_SymlinkRejected(t *testing.T) {
	symlinkPath := "/tmp/vua_config_symlink_temp.yaml"
	target, err := os.CreateTemp("", "vua_config_target")
	require.NoError(t, err)
	defer target.Close()
	require.NoError(t, os.Symlink(target.Name(), symlinkPath))
	defer os.Remove(target.Name())
	defer os.Remove(symlinkPath)

	cfg, err := config.New(symlinkPath)
	assert.Nil(t, cfg)
	assert.Error(t, err)
}

func TestNew_InvalidYAMLReturnsError(t *testing.T) {
	f, err := os.CreateTemp("", "vua_config_invalid")
	require.NoError(t, err)
	defer f.Close()
	defer os.Remove(f.Name())

	_, err = f.WriteString("this: [is, not, valid: yaml")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := config.New(f.Name())
	assert.Nil(t, cfg)
	assert.Error(t, err)
}

func TestNew_MissingDeviceIDReturnsError(t *testing.T) {
	cfg := baseConfig()
	cfg.DeviceID = ""
	fileName := writeConfigFile(t, cfg)
	defer os.Remove(fileName)

	loaded, err := config.New(fileName)
	assert.Nil(t, loaded)
	require.Error(t, err)
	assert.Equal(t, "deviceID is required", err.Error())
}

func TestNew_MissingDirectorURLReturnsError(t *testing.T) {
	cfg := baseConfig()
	cfg.Director.MetadataURL = ""
	fileName := writeConfigFile(t, cfg)
	defer os.Remove(fileName)

	loaded, err := config.New(fileName)
	assert.Nil(t, loaded)
	require.Error(t, err)
	assert.Equal(t, "director.metadataURL is required", err.Error())
}
