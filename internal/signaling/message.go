// Package signaling maintains the session with one signaling server out of an
// ordered pool: registration, robot presence tracking, and relaying SDP/ICE
// messages for negotiated rooms.
package signaling

import "encoding/json"

// Type identifies the kind of signaling message.
type Type string

// Client → server.
const (
	TypeRegisterClient        Type = "register_client"
	TypeRequestConnection     Type = "request_connection"
	TypeOffer                 Type = "webrtc_offer"
	TypeAnswer                Type = "webrtc_answer"
	TypeICECandidate          Type = "ice_candidate"
	TypeConnectionEstablished Type = "connection_established"
)

// Server → client. Offer, answer and candidate messages are relayed in both
// directions under the same type names.
const (
	TypeRegistrationSuccess   Type = "registration_success"
	TypeDeviceOnline          Type = "device_online"
	TypeDeviceOffline         Type = "device_offline"
	TypeConnectionRequestSent Type = "connection_request_sent"
	TypeConnectionSuccess     Type = "connection_success"
	TypeError                 Type = "error"
)

// ICEServer is one STUN/TURN descriptor handed out by the server.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ClientInfo describes this controller in the registration handshake.
type ClientInfo struct {
	Name     string `json:"name"`
	Platform string `json:"platform,omitempty"`
	Version  string `json:"version,omitempty"`
}

// DeviceInfo is the server's description of an online robot.
type DeviceInfo struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
}

// Message is the JSON structure exchanged with a signaling server. One flat
// struct covers every message type; fields not used by a type stay empty.
// SDP and candidate bodies pass through as raw JSON — their shape belongs to
// the peer layer, not to signaling.
type Message struct {
	Type Type `json:"type"`

	ClientID   string      `json:"client_id,omitempty"`
	ClientInfo *ClientInfo `json:"client_info,omitempty"`

	DeviceID         string       `json:"device_id,omitempty"`
	DeviceInfo       *DeviceInfo  `json:"device_info,omitempty"`
	AvailableDevices []DeviceInfo `json:"available_devices,omitempty"`

	RoomID     string          `json:"room_id,omitempty"`
	ICEServers []ICEServer     `json:"ice_servers,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`

	// ErrorText carries the reason on TypeError messages.
	ErrorText string `json:"message,omitempty"`
}

// Room pairs this client with one robot for the duration of a negotiation.
type Room struct {
	ID         string
	DeviceID   string
	ICEServers []ICEServer
}
