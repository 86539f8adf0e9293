// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/info"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/config"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/engine"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/executor"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/httpclient"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/installer"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/installer/ostree"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/orchestrator"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/storage"
	"github.com/spf13/afero"
)

var log = logger.Logger()

func init() {
	flag.String("config", "", "Config file path")
	flag.Bool("info", false, "Print device/ECU status as JSON and exit")
	flag.String("package-manager", "ostree", "Package manager backend: ostree, android, or noop")
}

func main() {
	log.Infof("Args: %v", os.Args[1:])
	log.Infof("Starting %s - %s", info.Component, info.Version)

	flag.Parse()
	configPath := flag.Lookup("config").Value.String()

	cfg, err := config.New(configPath)
	if err != nil {
		log.Fatalf("Unable to load configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	store, err := storage.NewFileStore(afero.NewOsFs(), cfg.StoragePath)
	if err != nil {
		log.Fatalf("Unable to initialize storage at %s: %v", cfg.StoragePath, err)
	}

	client, err := httpclient.NewClient(cfg.TLS, cfg.NetworkTimeout)
	if err != nil {
		log.Fatalf("Unable to build backend client: %v", err)
	}

	pkgMgr := buildPackageManager(flag.Lookup("package-manager").Value.String())

	eng := engine.New(cfg, store, client, pkgMgr)
	eng.SetEventHandler(func(ev orchestrator.Event) {
		log.Infof("event: %s ecu=%s ok=%v detail=%s", ev.Kind, ev.Ecu, ev.Ok, ev.Detail)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Initialize(ctx); err != nil {
		log.Fatalf("Initialize failed: %v", err)
	}

	if isInfoRequested() {
		printInfo(ctx, eng)
		return
	}

	log.Infoln("Entering update loop")
	if err := eng.RunForever(ctx); err != nil {
		log.Fatalf("Update loop terminated: %v", err)
	}
	eng.Shutdown()
	log.Infoln("Exiting vehicle update agent")
}

func isInfoRequested() bool {
	f := flag.Lookup("info")
	return f != nil && f.Value.String() == "true"
}

// printInfo mirrors the original's separate aktualizr-info binary,
// folded here behind a flag rather than a second command.
func printInfo(ctx context.Context, eng *engine.Engine) {
	devInfo, err := eng.Info(ctx)
	if err != nil {
		log.Fatalf("Unable to read device info: %v", err)
	}
	out, err := json.MarshalIndent(devInfo, "", "  ")
	if err != nil {
		log.Fatalf("Unable to marshal device info: %v", err)
	}
	fmt.Println(string(out))
}

func buildPackageManager(name string) installer.PackageManager {
	switch name {
	case "ostree":
		return ostree.New(executor.NewDefault())
	case "android":
		return installer.AndroidManager{}
	case "noop":
		return &installer.NoopManager{}
	default:
		log.Fatalf("Unknown package manager backend %q", name)
		return nil
	}
}
