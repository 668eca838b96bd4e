// Package peer owns WebRTC negotiation: one peer connection and one ordered,
// reliable data channel per signaling room.
package peer

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/laika-robotics/laikactl/internal/signaling"
)

// controlChannelLabel names the data channel both ends open handlers for.
const controlChannelLabel = "control"

// Signaler is the slice of the signaling session a peer session negotiates
// through. *signaling.Client satisfies it.
type Signaler interface {
	SendOffer(roomID string, offer json.RawMessage) error
	SendAnswer(roomID string, answer json.RawMessage) error
	SendCandidate(roomID string, candidate json.RawMessage) error
	SendConnectionEstablished(roomID string) error
	BindRoom(roomID string) <-chan signaling.Message
	ReleaseRoom(roomID string)
}

// newPeerConnection creates a PeerConnection configured with the room's ICE
// servers. An empty set yields host candidates only, which still works on a
// shared LAN.
func newPeerConnection(servers []signaling.ICEServer) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
		}
		config.ICEServers = append(config.ICEServers, ice)
	}

	// Loopback candidates are needed when a simulated robot runs on the same
	// host as the controller; pion excludes them by default.
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(config)
}

// newDataChannel creates the ordered, reliable control channel on the given
// PeerConnection. Commands and their acknowledgements must not overtake each
// other, so head-of-line blocking is accepted here.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(controlChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}
