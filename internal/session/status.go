package session

// Status is the session's position in the connect/handshake/animate
// lifecycle. It only ever changes under the client's lock.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Authenticating
	Subscribing
	SpawningItem
	Active
)

var statusNames = map[Status]string{
	Disconnected:   "disconnected",
	Connecting:     "connecting",
	Connected:      "connected",
	Authenticating: "authenticating",
	Subscribing:    "subscribing",
	SpawningItem:   "spawning_item",
	Active:         "active",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}
