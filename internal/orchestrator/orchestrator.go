// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator implements the CheckUpdates/Download/Install/
// Report cycle as an event-driven finite state machine, with gocron
// driving the Full-mode polling tick.
package orchestrator

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/looplab/fsm"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

var log = logger.Logger()

// Mode selects which portion of the Full cycle the orchestrator runs.
type Mode string

const (
	ModeFull           Mode = "Full"
	ModeOnce           Mode = "Once"
	ModeCheck          Mode = "Check"
	ModeDownload       Mode = "Download"
	ModeInstall        Mode = "Install"
	ModeCampaignCheck  Mode = "CampaignCheck"
	ModeCampaignAccept Mode = "CampaignAccept"
	ModeCampaignReject Mode = "CampaignReject"
	ModeManual         Mode = "Manual"
)

// States mirror the update-cycle state diagram literally.
const (
	StateIdle             = "Idle"
	StateSendingDeviceData = "SendingDeviceData"
	StateFetchingMeta     = "FetchingMeta"
	StateCheckingUpdates  = "CheckingUpdates"
	StateDownloading      = "Downloading"
	StateInstalling       = "Installing"
	StateDone             = "Done"
)

// Events drive FSM transitions; each corresponds to a completion
// signal from a sub-operation.
const (
	EventStart           = "start"
	EventDeviceDataSent  = "device_data_sent"
	EventMetaFetched     = "meta_fetched"
	EventNoUpdates       = "no_updates"
	EventUpdatesAvailable = "updates_available"
	EventDownloadComplete = "download_complete"
	EventInstallComplete  = "install_complete"
	EventError           = "error"
)

// Event is what Orchestrator.Handle publishes to the rest of the
// system as a typed event enum.
type Event struct {
	Kind    string
	Targets []uptane.Target
	Ecu     uptane.EcuSerial
	Percent int
	Ok      bool
	ErrKind string
	Detail  string
}

const (
	EvUpdateCheckComplete    = "UpdateCheckComplete"
	EvUpdateAvailable        = "UpdateAvailable"
	EvDownloadProgressReport = "DownloadProgressReport"
	EvDownloadComplete       = "DownloadComplete"
	EvInstallStarted         = "InstallStarted"
	EvInstallComplete        = "InstallComplete"
	EvAllInstallsComplete    = "AllInstallsComplete"
	EvManifestSent           = "ManifestSent"
	EvError                  = "Error"
)

// Operations is the set of sub-operation callbacks the FSM drives;
// Engine supplies concrete implementations wired to fetcher/installer/
// secondary.
type Operations struct {
	SendDeviceData func(ctx context.Context) error
	FetchMeta      func(ctx context.Context) (updatesAvailable bool, targets []uptane.Target, err error)
	Download       func(ctx context.Context, targets []uptane.Target) error
	Install        func(ctx context.Context, targets []uptane.Target) error
	SendManifest   func(ctx context.Context) error
}

// Orchestrator drives Operations through the FSM, emitting events to
// Sink. It never blocks indefinitely: every Operations call is given
// ctx with a deadline by the caller.
type Orchestrator struct {
	FSM        *fsm.FSM
	Mode       Mode
	Ops        Operations
	Sink       func(Event)
	Cron       *gocron.Scheduler
	PollPeriod time.Duration
}

// New builds an Orchestrator in mode, wiring the FSM transition table
// to ops and publishing events to sink.
func New(mode Mode, ops Operations, sink func(Event), pollPeriod time.Duration) *Orchestrator {
	o := &Orchestrator{Mode: mode, Ops: ops, Sink: sink, PollPeriod: pollPeriod}

	events := fsm.Events{
		{Name: EventStart, Src: []string{StateIdle, StateDone}, Dst: StateSendingDeviceData},
		{Name: EventDeviceDataSent, Src: []string{StateSendingDeviceData}, Dst: StateFetchingMeta},
		{Name: EventMetaFetched, Src: []string{StateFetchingMeta}, Dst: StateCheckingUpdates},
		{Name: EventNoUpdates, Src: []string{StateCheckingUpdates}, Dst: StateDone},
		{Name: EventUpdatesAvailable, Src: []string{StateCheckingUpdates}, Dst: StateDownloading},
		{Name: EventDownloadComplete, Src: []string{StateDownloading}, Dst: StateInstalling},
		{Name: EventInstallComplete, Src: []string{StateInstalling}, Dst: StateDone},
		{Name: EventError, Src: []string{StateSendingDeviceData, StateFetchingMeta, StateCheckingUpdates, StateDownloading, StateInstalling}, Dst: StateIdle},
	}

	callbacks := fsm.Callbacks{
		"enter_" + StateSendingDeviceData: o.onSendDeviceData,
		"enter_" + StateFetchingMeta:      o.onFetchMeta,
		"enter_" + StateDownloading:       o.onDownload,
		"enter_" + StateInstalling:        o.onInstall,
	}

	o.FSM = fsm.NewFSM(StateIdle, events, callbacks)
	return o
}

func (o *Orchestrator) emit(e Event) {
	if o.Sink != nil {
		o.Sink(e)
	}
}

func (o *Orchestrator) onSendDeviceData(ctx context.Context, e *fsm.Event) {
	if err := o.Ops.SendDeviceData(ctx); err != nil {
		o.emit(Event{Kind: EvError, ErrKind: "Network", Detail: err.Error()})
		_ = o.FSM.Event(ctx, EventError)
		return
	}
	_ = o.FSM.Event(ctx, EventDeviceDataSent)
}

func (o *Orchestrator) onFetchMeta(ctx context.Context, e *fsm.Event) {
	available, targets, err := o.Ops.FetchMeta(ctx)
	if err != nil {
		o.emit(Event{Kind: EvError, ErrKind: errKind(err), Detail: err.Error()})
		_ = o.FSM.Event(ctx, EventError)
		return
	}
	o.emit(Event{Kind: EvUpdateCheckComplete})
	if err := o.FSM.Event(ctx, EventMetaFetched); err != nil {
		return
	}
	if !available {
		o.emit(Event{Kind: EvError, Detail: "no updates"})
		_ = o.FSM.Event(ctx, EventNoUpdates)
		return
	}
	o.emit(Event{Kind: EvUpdateAvailable, Targets: targets})
	o.fsmEventWithTargets(ctx, EventUpdatesAvailable, targets)
}

// fsmEventWithTargets threads targets between CheckingUpdates and the
// Downloading/Installing callbacks, which the fsm library's Event args
// carry through e.Args.
func (o *Orchestrator) fsmEventWithTargets(ctx context.Context, event string, targets []uptane.Target) {
	_ = o.FSM.Event(ctx, event, targets)
}

func (o *Orchestrator) onDownload(ctx context.Context, e *fsm.Event) {
	targets := targetsArg(e)
	if err := o.Ops.Download(ctx, targets); err != nil {
		o.emit(Event{Kind: EvError, ErrKind: errKind(err), Detail: err.Error()})
		_ = o.FSM.Event(ctx, EventError)
		return
	}
	o.emit(Event{Kind: EvDownloadProgressReport, Percent: 100})
	o.emit(Event{Kind: EvDownloadComplete})
	o.fsmEventWithTargets(ctx, EventDownloadComplete, targets)
}

func (o *Orchestrator) onInstall(ctx context.Context, e *fsm.Event) {
	targets := targetsArg(e)
	if err := o.Ops.Install(ctx, targets); err != nil {
		o.emit(Event{Kind: EvError, ErrKind: errKind(err), Detail: err.Error()})
		_ = o.FSM.Event(ctx, EventError)
		return
	}
	o.emit(Event{Kind: EvInstallComplete})
	o.emit(Event{Kind: EvAllInstallsComplete})
	if err := o.Ops.SendManifest(ctx); err != nil {
		o.emit(Event{Kind: EvManifestSent, Ok: false})
	} else {
		o.emit(Event{Kind: EvManifestSent, Ok: true})
	}
	_ = o.FSM.Event(ctx, EventInstallComplete)
}

func targetsArg(e *fsm.Event) []uptane.Target {
	if len(e.Args) == 0 {
		return nil
	}
	if t, ok := e.Args[0].([]uptane.Target); ok {
		return t
	}
	return nil
}

func errKind(err error) string {
	type kinder interface{ Kind() uptane.ErrorKind }
	if k, ok := err.(kinder); ok {
		return k.Kind().String()
	}
	return "Network"
}

// RunOnce drives exactly one SendDeviceData→FetchMeta→CheckUpdates
// pass, continuing into Download/Install when updates are found. It
// returns once the FSM reaches StateDone or StateIdle (on error).
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	return o.FSM.Event(ctx, EventStart)
}

// StartPolling schedules RunOnce on PollPeriod via gocron, for
// ModeFull/ModeOnce-style recurring cycles; it is the one place gocron
// is used, strictly inside the orchestrator's own FSM. It does not
// schedule cron-style polling beyond its own state machine.
func (o *Orchestrator) StartPolling(ctx context.Context) error {
	o.Cron = gocron.NewScheduler(time.UTC)
	o.Cron.SingletonModeAll()
	_, err := o.Cron.Every(o.PollPeriod).Do(func() {
		if err := o.RunOnce(ctx); err != nil {
			log.Warnf("orchestrator: poll cycle failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	o.Cron.StartAsync()
	return nil
}

// StopPolling halts the gocron scheduler, if running.
func (o *Orchestrator) StopPolling() {
	if o.Cron != nil {
		o.Cron.Stop()
	}
}
