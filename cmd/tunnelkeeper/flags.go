package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type RunFlags struct {
	ConfigPath string
}

type StatusFlags struct {
	ConfigPath string
	JSON       bool
	// Remote supervisor connection
	APIUrl     string
	APITimeout time.Duration
}

type ExtractFlags struct {
	LogPath string
	Pattern string
}

type PropagateFlags struct {
	ConfigPath string
	URL        string
}
