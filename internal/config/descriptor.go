package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DefaultSSHPort is used when a descriptor is created without a port.
const DefaultSSHPort = 22

// Descriptor describes one remote SSH endpoint.
//
// Descriptors are passed by value and never modified after construction.
// Two descriptors are the same endpoint when their IDs match.
type Descriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Secret   string `json:"secret,omitempty"`
}

// Validate checks that d is usable for a connection attempt.
func (d Descriptor) Validate() error {
	if d.Host == "" {
		return errors.New("descriptor: missing host")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("descriptor: port %d out of range 1-65535", d.Port)
	}
	if d.Username == "" {
		return errors.New("descriptor: missing username")
	}
	return nil
}

// Addr returns the host:port of the remote endpoint.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Equal reports whether d and o identify the same endpoint.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.ID == o.ID
}

// DisplayName returns Name, falling back to user@host:port.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Username + "@" + d.Addr()
}

// String never includes the secret.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s@%s)", d.DisplayName(), d.Username, d.Addr())
}
