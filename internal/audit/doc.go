// Package audit records the SSH audit trail of a shellmux instance.
//
// Events are written to the audit_logs table and to the standard logger with
// the [audit] prefix. The package keeps one global Auditor, set up with
// InitGlobal during startup; the Log* helpers drop events silently until
// then, so engine packages can call them unconditionally.
//
// Tracked events:
//   - [EventConnectionEstablished] and [EventConnectionTerminated] (with duration)
//   - [EventConnectionFailed]
//   - [EventCommandExecution] for run-as dashboard commands
//   - [EventFileOperation] for SFTP writes, transfers and archives
//   - [EventTerminalSessionStart] and [EventTerminalSessionEnd]
//   - [EventHostKeyMismatch]
//
// Entries older than the retention period are removed by [Auditor.PurgeOlderThan],
// which [Auditor.StartPurgeSchedule] runs daily.
package audit
