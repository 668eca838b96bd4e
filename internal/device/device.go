// Package device holds the passive records describing reachable robots and
// the cache the orchestrator consults before each connect.
package device

import "time"

// TransportHint names the path a descriptor was discovered through.
type TransportHint string

const (
	HintBLE      TransportHint = "ble"
	HintLocal    TransportHint = "local"
	HintRegistry TransportHint = "registry"
	HintWebRTC   TransportHint = "webrtc"
)

// Descriptor describes one reachable robot. Descriptors carry no behavior;
// discovery produces them and the orchestrator consumes them. Each discovery
// refresh replaces the previous set wholesale.
type Descriptor struct {
	ID        string        `yaml:"id" json:"device_id"`
	Name      string        `yaml:"name" json:"display_name"`
	Transport TransportHint `yaml:"transport" json:"transport_hint"`
	Address   string        `yaml:"address,omitempty" json:"network_address,omitempty"`
	LastSeen  time.Time     `yaml:"last_seen" json:"last_seen_at"`
	Online    bool          `yaml:"online" json:"online"`
}

// Fresh reports whether the descriptor was seen within the given window.
func (d Descriptor) Fresh(window time.Duration, now time.Time) bool {
	if d.LastSeen.IsZero() {
		return false
	}
	return now.Sub(d.LastSeen) <= window
}
