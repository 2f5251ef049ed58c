// Package config holds the plain values sshdirect needs to open a tunnel:
// the remote endpoint ([Descriptor]) and the per-attempt tunables
// ([Settings]).
//
// Zero-valued tunables are ambiguous at the interface boundary, so they are
// carried as a [Tunable] that is either Default or an explicit number of
// seconds. What Default resolves to is decided by the consumer.
package config
