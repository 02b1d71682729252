package protocol

import "strings"

// CommandStatus is the lifecycle state of a dispatched command.
type CommandStatus string

const (
	StatusQueued     CommandStatus = "Queued"
	StatusInProgress CommandStatus = "InProgress"
	StatusSuccess    CommandStatus = "Success"
	StatusFailed     CommandStatus = "Failed"
)

// IsTerminal returns true if the status represents a completed command.
func (s CommandStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s CommandStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a command may move from s to next.
// Progress is forward-only: nothing leaves a terminal state and nothing
// returns to Queued once it has started.
func (s CommandStatus) CanTransition(next CommandStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusQueued:
		return s == StatusQueued
	case StatusInProgress, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Canonical command types.
const (
	CmdDockerList    = "docker.list"
	CmdDockerRestart = "docker.restart"
	CmdDockerStart   = "docker.start"
	CmdDockerStop    = "docker.stop"
	CmdDockerLogs    = "docker.logs"

	CmdServiceStatus  = "service.status"
	CmdServiceRestart = "service.restart"

	CmdLogRead = "log.read"
	CmdLogTail = "log.tail"

	CmdScriptRun = "script.run"

	CmdTerminalOpen  = "terminal.open"
	CmdTerminalInput = "terminal.input"
	CmdTerminalClose = "terminal.close"

	CmdFileList     = "file.list"
	CmdFileDownload = "file.download"
	CmdFileMetadata = "file.metadata"
)

// legacyCommandTypes maps historical names (lowercased) to canonical types.
var legacyCommandTypes = map[string]string{
	"listcontainers":   CmdDockerList,
	"restartcontainer": CmdDockerRestart,
	"startcontainer":   CmdDockerStart,
	"stopcontainer":    CmdDockerStop,
	"containerlogs":    CmdDockerLogs,
	"servicestatus":    CmdServiceStatus,
	"restartservice":   CmdServiceRestart,
	"readlog":          CmdLogRead,
	"taillog":          CmdLogTail,
	"runscript":        CmdScriptRun,
	"openterminal":     CmdTerminalOpen,
	"terminalinput":    CmdTerminalInput,
	"closeterminal":    CmdTerminalClose,
	"listfiles":        CmdFileList,
	"downloadfile":     CmdFileDownload,
	"filemetadata":     CmdFileMetadata,
	"docker_restart":   CmdDockerRestart,
	"log_tail":         CmdLogTail,
	"script_run":       CmdScriptRun,
}

// CanonicalCommandType normalizes an inbound type string: it lowercases and
// trims it, then resolves known legacy aliases. Unknown names are returned
// lowercased so the dispatcher can reject them.
func CanonicalCommandType(t string) string {
	key := strings.ToLower(strings.TrimSpace(t))
	if canonical, ok := legacyCommandTypes[key]; ok {
		return canonical
	}
	return key
}
