// Package state holds the observable connection state shown to users and the
// single-consumer dispatcher that serializes every mutation of it.
package state
