package audit

import "strconv"

// LogConnection logs an established SSH connection.
func LogConnection(profileID, host, username string) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			ProfileID: profileID,
			Host:      host,
			EventType: EventConnectionEstablished,
			Username:  username,
		})
	}
}

// LogDisconnection logs a connection teardown with its duration.
func LogDisconnection(profileID, host, username, reason string, durationMs int64) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			ProfileID:  profileID,
			Host:       host,
			EventType:  EventConnectionTerminated,
			Username:   username,
			Details:    reason,
			DurationMs: durationMs,
		})
	}
}

// LogConnectionFailed logs a failed connection attempt.
func LogConnectionFailed(profileID, host, username, reason string) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			ProfileID: profileID,
			Host:      host,
			EventType: EventConnectionFailed,
			Username:  username,
			Details:   reason,
		})
	}
}

// LogCommand logs a command executed on behalf of username.
func LogCommand(profileID, host, username, command, result string) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			ProfileID: profileID,
			Host:      host,
			EventType: EventCommandExecution,
			Username:  username,
			Details:   "cmd=" + command + " result=" + result,
		})
	}
}

// LogFileOperation logs a remote file operation.
func LogFileOperation(profileID, host, username, operation, filePath string) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			ProfileID: profileID,
			Host:      host,
			EventType: EventFileOperation,
			Username:  username,
			Details:   operation + ": " + filePath,
		})
	}
}

// LogTerminalSessionStart logs a new interactive terminal.
func LogTerminalSessionStart(profileID, host, username, terminalID string, cols, rows int) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			ProfileID: profileID,
			Host:      host,
			EventType: EventTerminalSessionStart,
			Username:  username,
			Details:   "terminal_id=" + terminalID + " size=" + strconv.Itoa(cols) + "x" + strconv.Itoa(rows),
		})
	}
}

// LogTerminalSessionEnd logs a closed interactive terminal.
func LogTerminalSessionEnd(profileID, host, username, terminalID string, durationMs int64) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			ProfileID:  profileID,
			Host:       host,
			EventType:  EventTerminalSessionEnd,
			Username:   username,
			Details:    "terminal_id=" + terminalID,
			DurationMs: durationMs,
		})
	}
}

// LogHostKeyMismatch logs a server presenting a key different from the one
// in known_hosts.
func LogHostKeyMismatch(host, details string) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			Host:      host,
			EventType: EventHostKeyMismatch,
			Details:   details,
		})
	}
}
