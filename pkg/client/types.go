package client

import "time"

// Role is the status of one supervised process.
type Role struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Alive     bool      `json:"alive"`
	Starts    int       `json:"starts"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastExit  string    `json:"last_exit,omitempty"`
}

// Endpoint is the public URL currently known to the supervisor.
type Endpoint struct {
	URL          string    `json:"url,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at,omitempty"`
}

// Status is the supervisor snapshot served at {base}/status.
type Status struct {
	State    string    `json:"state"`
	Since    time.Time `json:"since"`
	Endpoint Endpoint  `json:"endpoint"`
	Service  Role      `json:"service"`
	Tunnel   Role      `json:"tunnel"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
