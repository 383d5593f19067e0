package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/daemonkit"
)

// heartbeat is the demo worker: it takes over from the previous generation
// as soon as it starts and then logs a beat, pinging its supervisor, at a
// fixed interval.
type heartbeat struct {
	interval time.Duration
	beats    uint64
}

func (h *heartbeat) SupervisedProcess(ctx context.Context, rt *daemonkit.Runtime) error {
	if err := rt.ReadyToTakeOver(); err != nil {
		return err
	}
	interval := h.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat stopped", "beats", h.beats)
			return nil
		case <-t.C:
			if err := rt.PingSupervisor(); err != nil {
				return err
			}
			h.beats++
			slog.Info("heartbeat", "beat", h.beats, "generation", rt.Generation().Number)
		}
	}
}

func (h *heartbeat) SupervisedShutdown() {
	slog.Info("heartbeat shutting down")
}
