package main

// BridgeState is the orchestrator's view of the world. Exactly one instance
// exists and only the orchestrator goroutine mutates it.
type BridgeState string

const (
	StateIdle       BridgeState = "idle"
	StateSourceOnly BridgeState = "source-only"
	StateSinkOnly   BridgeState = "sink-only"
	StateBridged    BridgeState = "bridged"
	StateRecovering BridgeState = "recovering"
)

// EventKind identifies a device-availability change.
type EventKind int

const (
	SourceAppeared EventKind = iota
	SourceGone
	SinkAppeared
	SinkGone
)

func (k EventKind) String() string {
	switch k {
	case SourceAppeared:
		return "source-appeared"
	case SourceGone:
		return "source-gone"
	case SinkAppeared:
		return "sink-appeared"
	case SinkGone:
		return "sink-gone"
	}
	return "unknown"
}

// Event is produced by the bluetooth and gadget-sink monitors and consumed by
// the orchestrator. Addr is set for SourceAppeared only.
type Event struct {
	Kind EventKind
	Addr string
}

// TrackInfo is the AVRCP metadata of the currently playing track, forwarded to
// the iPod client. Duration is in milliseconds.
type TrackInfo struct {
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	Duration int64  `json:"duration,omitempty"`
}

// Empty reports whether no usable metadata is present.
func (t TrackInfo) Empty() bool {
	return t.Title == "" && t.Artist == "" && t.Album == "" && t.Duration == 0
}

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command string `json:"command"` // "status"
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	State       string     `json:"state,omitempty"`
	Source      string     `json:"source,omitempty"` // MAC address of the bridged phone
	SinkPresent bool       `json:"sink_present"`
	Track       *TrackInfo `json:"track,omitempty"`
	Error       string     `json:"error,omitempty"`
}
