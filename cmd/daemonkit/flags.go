package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type RunFlags struct {
	Detach  bool
	LogFile string // stdout/stderr of the detached daemon
	Beat    time.Duration
}

type StatusFlags struct {
	JSON   bool
	APIUrl string
	Check  string
}

type ReloadFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type StopFlags struct {
	Wait time.Duration
}

type LockFlags struct {
	Wait time.Duration // wait for the lock instead of failing
}
