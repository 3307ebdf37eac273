package main

import "time"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	Verbose    int
	Quiet      int
}

type RunFlags struct {
	ServiceDirs   []string
	MetricsListen string
	APIListen     string
	HistoryDSN    string
	StopTimeout   time.Duration
}

type CheckFlags struct {
	ServiceDirs []string
	Watch       bool
	JSON        bool
}

type StatusFlags struct {
	ID    string
	State string
	JSON  bool
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}
