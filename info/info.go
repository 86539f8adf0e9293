// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package info carries build-time identity used by the logger and the
// device manifest.
package info

// Version is overridden at build time via -ldflags.
var Version = "dev"

// Component is the name reported in logs and in device registration.
const Component = "vehicle-update-agent"
