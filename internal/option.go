package internal

import "io"

// Mode selects which surface Run serves.
type Mode int

const (
	// ModeServe runs the HTTP API, inbox watcher and job scheduler.
	ModeServe Mode = iota
	// ModeMCP serves MCP tools on stdin/stdout.
	ModeMCP
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	mode      Mode
	logOutput io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithMode selects the surface to serve. The default is ModeServe.
func WithMode(m Mode) Option {
	return func(a *application) {
		a.mode = m
	}
}

// WithLogOutput redirects the JSON log. The default is stdout, or stderr in
// ModeMCP where stdout carries the protocol.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}
