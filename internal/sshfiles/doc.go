// Package sshfiles provides file operations on the connected host over SFTP.
//
// Every operation opens its own SFTP subsystem channel under the session's
// transport lock, performs one operation and closes the channel again; no
// SFTP state survives between calls. Uploads and downloads stream in bounded
// chunks and take the transport lock once per chunk, so terminals and
// dashboard commands interleave with a long transfer. Clients still open when
// the session disconnects are closed by the session's closer.
//
// # Operations
//
//   - [Service.ListFiles]: directory entries, directories first.
//   - [Service.Stat]: one entry plus owner uid/gid.
//   - [Service.ReadFile]: bounded read (10 MiB by default).
//   - [Service.WriteFile], [Service.CreateDirectory], [Service.Chmod].
//   - [Service.Upload], [Service.Download]: chunked, cancellable, with
//     transfer progress events.
//   - [Service.Compress], [Service.Extract]: tar and zip commands run through
//     the dashboard executor.
//
// Missing paths fail with sshsession.KindNotFound, oversized reads with
// KindSizeExceeded and failing archive commands with KindCommand.
//
// # Log Prefixes
//
// All operations log at the [sftp] prefix.
package sshfiles
