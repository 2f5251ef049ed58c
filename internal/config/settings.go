package config

import (
	"errors"
	"fmt"
	"time"
)

// MaxSeconds bounds tunables so they always fit a time.Duration.
const MaxSeconds = 1<<31 - 1

// Tunable is a duration that is either left at its default or set to an
// explicit number of seconds.
type Tunable struct {
	d   time.Duration
	set bool
}

// Default returns a Tunable that resolves to whatever default the consumer
// chooses.
func Default() Tunable {
	return Tunable{}
}

// Seconds returns a Tunable of n seconds. Values <= 0 mean Default; values
// above MaxSeconds are clamped.
func Seconds(n int) Tunable {
	if n <= 0 {
		return Default()
	}
	n = min(n, MaxSeconds)
	return Tunable{d: time.Duration(n) * time.Second, set: true}
}

// IsDefault reports whether t was left unset.
func (t Tunable) IsDefault() bool {
	return !t.set
}

// Or returns the explicit duration, or def if t is Default.
func (t Tunable) Or(def time.Duration) time.Duration {
	if !t.set {
		return def
	}
	return t.d
}

func (t Tunable) String() string {
	if !t.set {
		return "default"
	}
	return t.d.String()
}

// Settings are the per-attempt tunnel parameters supplied by the caller.
type Settings struct {
	BindAddress      string `json:"bind_address"`
	BindPort         int    `json:"bind_port"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	KeepAliveSeconds int    `json:"keepalive_seconds"`
	MaxRetries       int    `json:"max_retries"`
}

// DefaultSettings returns the settings a fresh install starts with.
func DefaultSettings() Settings {
	return Settings{
		BindAddress: "127.0.0.1",
		BindPort:    1080,
		MaxRetries:  10,
	}
}

// Validate checks the bind port and the tunable ranges.
func (s Settings) Validate() error {
	if s.BindAddress == "" {
		return errors.New("settings: missing bind address")
	}
	if s.BindPort < 1 || s.BindPort > 65535 {
		return fmt.Errorf("settings: bind port %d out of range 1-65535", s.BindPort)
	}
	if s.TimeoutSeconds < 0 || s.TimeoutSeconds > MaxSeconds {
		return fmt.Errorf("settings: timeout %d out of range 0-%d", s.TimeoutSeconds, MaxSeconds)
	}
	if s.KeepAliveSeconds < 0 || s.KeepAliveSeconds > MaxSeconds {
		return fmt.Errorf("settings: keepalive %d out of range 0-%d", s.KeepAliveSeconds, MaxSeconds)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("settings: negative max retries %d", s.MaxRetries)
	}
	return nil
}

// Timeout is the handshake timeout; 0 seconds means no timeout.
func (s Settings) Timeout() Tunable {
	return Seconds(s.TimeoutSeconds)
}

// KeepAlive is the keep-alive interval; 0 seconds means the default interval.
func (s Settings) KeepAlive() Tunable {
	return Seconds(s.KeepAliveSeconds)
}
