// Package sshlogs reads log files and the systemd journal on the connected
// host.
//
// It only builds shell commands and runs them through the session's
// dashboard executor; no channel is held open between calls. Results are raw
// lines split on newlines. Pages count back from the newest line: page 1 is
// the most recent pageSize lines.
//
// # Commands
//
//   - [Reader.ListLogFiles]: find under /var/log, printing size|path|mtime.
//   - [Reader.ReadLog]: tail of a file, optionally filtered with grep -F.
//   - [Reader.ReadJournal]: journalctl, optionally for one unit.
//
// A missing file fails with sshsession.KindNotFound; any other non-zero exit
// fails with KindCommand carrying stderr.
package sshlogs
