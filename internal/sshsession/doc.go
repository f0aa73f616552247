// Package sshsession owns the single SSH transport of a shellmux instance.
//
// A Session moves through Disconnected, Connecting, Connected, Disconnecting
// and Failed. Every write on the transport (channel opens, channel input,
// window changes, channel closes, SFTP requests) goes through the Session's
// transport lock via WithClient or WithLock. Reads on already-open channels
// do not take the lock.
//
// The Dashboard type runs short non-interactive commands on their own exec
// channel, optionally as another remote account through sudo. Output of
// long-lived channels is delivered through an EventSink.
package sshsession
