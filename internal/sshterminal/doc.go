// Package sshterminal multiplexes interactive PTY shells over the single SSH
// transport owned by an sshsession.Session.
//
// Each terminal owns one session channel with an xterm-256color PTY and
// exactly one reader goroutine, tracked by a [ThreadManager]. The reader
// issues reads in fixed bursts, merges bursts that arrive close together into
// bounded output events, and stops reading while too many emitted bytes are
// unacknowledged (see [FlowConfig]). Output is also kept in a scrollback
// buffer so late-joining views can replay it.
//
// Writes on a terminal's channel (input, resize, close) happen under the
// session's transport lock; reads do not. Closing a terminal closes its
// channel first, which unblocks the reader, then joins the reader with a
// bounded wait.
//
// # Lifecycle
//
//	Creating → Active → Closing → Closed
//
// Input is accepted only while Active. When the remote shell exits on its
// own, a terminal_exit event is published and the terminal is closed in the
// background. Closing an id that was closed recently succeeds without doing
// anything; closing an id that was never open fails with KindNotFound.
//
// # Log Prefixes
//
// The multiplexer logs at the [terminal] prefix, flow control at [flow] and
// the worker registry at [workers].
package sshterminal
