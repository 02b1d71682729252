package dispatch

import (
	"time"

	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/protocol"
)

// Kind is one member of the closed set of command types an agent executes.
type Kind int

const (
	KindDockerList Kind = iota
	KindDockerRestart
	KindDockerStart
	KindDockerStop
	KindDockerLogs
	KindServiceStatus
	KindServiceRestart
	KindLogRead
	KindLogTail
	KindScriptRun
	KindTerminalOpen
	KindTerminalInput
	KindTerminalClose
	KindFileList
	KindFileDownload
	KindFileMetadata

	kindCount
)

// gate names the capability flag a kind requires.
type gate int

const (
	gateNone gate = iota
	gateScripts
	gateTerminal
	gateLogViewer
	gateFileBrowser
)

func (g gate) String() string {
	switch g {
	case gateScripts:
		return "script execution"
	case gateTerminal:
		return "terminal access"
	case gateLogViewer:
		return "log viewer"
	case gateFileBrowser:
		return "file browser"
	}
	return "none"
}

func (g gate) enabled(caps config.Capabilities) bool {
	switch g {
	case gateScripts:
		return caps.EnableScripts
	case gateTerminal:
		return caps.EnableTerminal
	case gateLogViewer:
		return caps.EnableLogViewer
	case gateFileBrowser:
		return caps.EnableFileBrowser
	}
	return true
}

type kindSpec struct {
	name       string
	gate       gate
	structured bool
	schema     string
	// minInterval returns the minimum spacing between two requests of this
	// kind; nil means unthrottled.
	minInterval func(config.Capabilities) time.Duration
}

var kinds = [kindCount]kindSpec{
	KindDockerList:     {name: protocol.CmdDockerList, structured: true, schema: schemaDockerList},
	KindDockerRestart:  {name: protocol.CmdDockerRestart, schema: schemaDockerAction},
	KindDockerStart:    {name: protocol.CmdDockerStart, schema: schemaDockerAction},
	KindDockerStop:     {name: protocol.CmdDockerStop, schema: schemaDockerAction},
	KindDockerLogs:     {name: protocol.CmdDockerLogs, schema: schemaDockerLogs},
	KindServiceStatus:  {name: protocol.CmdServiceStatus, schema: schemaService},
	KindServiceRestart: {name: protocol.CmdServiceRestart, schema: schemaService},
	KindLogRead:        {name: protocol.CmdLogRead, gate: gateLogViewer, schema: schemaLogRead},
	KindLogTail:        {name: protocol.CmdLogTail, gate: gateLogViewer, schema: schemaLogTail},
	KindScriptRun: {
		name: protocol.CmdScriptRun, gate: gateScripts, schema: schemaScriptRun,
		minInterval: func(c config.Capabilities) time.Duration {
			return time.Duration(c.ScriptMinIntervalSeconds) * time.Second
		},
	},
	KindTerminalOpen: {
		name: protocol.CmdTerminalOpen, gate: gateTerminal, schema: schemaTerminalOpen,
		minInterval: func(c config.Capabilities) time.Duration {
			return time.Duration(c.TerminalMinIntervalSeconds) * time.Second
		},
	},
	KindTerminalInput: {name: protocol.CmdTerminalInput, gate: gateTerminal, schema: schemaTerminalInput},
	KindTerminalClose: {name: protocol.CmdTerminalClose, gate: gateTerminal, schema: schemaTerminalClose},
	KindFileList:      {name: protocol.CmdFileList, gate: gateFileBrowser, structured: true, schema: schemaFileList},
	KindFileDownload:  {name: protocol.CmdFileDownload, gate: gateFileBrowser, schema: schemaFileDownload},
	KindFileMetadata:  {name: protocol.CmdFileMetadata, gate: gateFileBrowser, structured: true, schema: schemaPathOnly},
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		m[kinds[k].name] = k
	}
	return m
}()

// ParseKind resolves a canonical command type.
func ParseKind(name string) (Kind, bool) {
	k, ok := kindsByName[name]
	return k, ok
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return "unknown"
	}
	return kinds[k].name
}

// IsStructured reports whether a command type streams one JSON document
// split into fragments.
func IsStructured(cmdType string) bool {
	k, ok := ParseKind(protocol.CanonicalCommandType(cmdType))
	return ok && kinds[k].structured
}

// Types lists every supported canonical command type.
func Types() []string {
	out := make([]string, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, kinds[k].name)
	}
	return out
}
