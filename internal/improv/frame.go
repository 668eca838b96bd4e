// Package improv implements the Improv BLE WiFi provisioning protocol:
// the byte-level RPC framing and the client state machine driven by
// GATT notifications.
package improv

import "fmt"

// GATT identifiers from the Improv BLE specification. The robot exposes the
// five characteristics under one primary service.
const (
	ServiceUUID = "00467768-6228-2272-4663-277478268000"

	CharCurrentState = "00467768-6228-2272-4663-277478268001" // read, notify
	CharErrorState   = "00467768-6228-2272-4663-277478268002" // read, notify
	CharRPCCommand   = "00467768-6228-2272-4663-277478268003" // write
	CharRPCResult    = "00467768-6228-2272-4663-277478268004" // notify
	CharCapabilities = "00467768-6228-2272-4663-277478268005" // read
)

// State mirrors the peripheral's current-state characteristic.
type State byte

const (
	StateReady        State = 0x02
	StateProvisioning State = 0x03
	StateProvisioned  State = 0x04
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateProvisioning:
		return "provisioning"
	case StateProvisioned:
		return "provisioned"
	default:
		return fmt.Sprintf("state(0x%02x)", byte(s))
	}
}

// Command is the first byte of every RPC frame.
type Command byte

const (
	CommandWiFiSettings Command = 0x01
	CommandIdentify     Command = 0x02
)

func (c Command) String() string {
	switch c {
	case CommandWiFiSettings:
		return "wifi_settings"
	case CommandIdentify:
		return "identify"
	default:
		return fmt.Sprintf("command(0x%02x)", byte(c))
	}
}

// ErrorCode mirrors the peripheral's error-state characteristic.
type ErrorCode byte

const (
	ErrorNone            ErrorCode = 0x00
	ErrorInvalidRPC      ErrorCode = 0x01
	ErrorUnknownCommand  ErrorCode = 0x02
	ErrorUnableToConnect ErrorCode = 0x03
	ErrorNotAuthorized   ErrorCode = 0x04
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorInvalidRPC:
		return "invalid rpc packet"
	case ErrorUnknownCommand:
		return "unknown command"
	case ErrorUnableToConnect:
		return "unable to connect"
	case ErrorNotAuthorized:
		return "not authorized"
	default:
		return fmt.Sprintf("error(0x%02x)", byte(e))
	}
}

// CapIdentify is the capabilities bit set when the peripheral supports the
// identify command.
const CapIdentify byte = 0x01

// Result is a decoded RPC-result notification.
type Result struct {
	Command Command
	Message string
}

// EncodeWiFiSettings builds the WiFi-settings RPC frame:
// [cmd][len(ssid)][ssid][len(pw)][pw]. Length prefixes are single bytes, so
// either field over 255 UTF-8 bytes is rejected.
func EncodeWiFiSettings(ssid, password string) ([]byte, error) {
	s, p := []byte(ssid), []byte(password)
	if len(s) > 255 {
		return nil, fmt.Errorf("%w: ssid is %d bytes", ErrFieldTooLong, len(s))
	}
	if len(p) > 255 {
		return nil, fmt.Errorf("%w: password is %d bytes", ErrFieldTooLong, len(p))
	}

	frame := make([]byte, 0, 3+len(s)+len(p))
	frame = append(frame, byte(CommandWiFiSettings))
	frame = append(frame, byte(len(s)))
	frame = append(frame, s...)
	frame = append(frame, byte(len(p)))
	frame = append(frame, p...)
	return frame, nil
}

// EncodeIdentify builds the identify RPC frame: the command byte alone.
func EncodeIdentify() []byte {
	return []byte{byte(CommandIdentify)}
}

// DecodeWiFiSettings parses a WiFi-settings frame back into its credentials.
func DecodeWiFiSettings(frame []byte) (ssid, password string, err error) {
	if len(frame) < 3 {
		return "", "", ErrShortFrame
	}
	if Command(frame[0]) != CommandWiFiSettings {
		return "", "", fmt.Errorf("%w: command 0x%02x", ErrBadFrame, frame[0])
	}

	rest := frame[1:]
	sl := int(rest[0])
	if len(rest) < 1+sl+1 {
		return "", "", ErrShortFrame
	}
	ssid = string(rest[1 : 1+sl])

	rest = rest[1+sl:]
	pl := int(rest[0])
	if len(rest) != 1+pl {
		return "", "", ErrShortFrame
	}
	password = string(rest[1:])
	return ssid, password, nil
}

// DecodeResult parses an RPC-result frame: [cmd][len(msg)][utf8 msg].
// Trailing padding past the declared length is tolerated; some stacks pad
// notifications to the MTU.
func DecodeResult(frame []byte) (Result, error) {
	if len(frame) < 2 {
		return Result{}, ErrShortFrame
	}
	ml := int(frame[1])
	if len(frame) < 2+ml {
		return Result{}, ErrShortFrame
	}
	return Result{
		Command: Command(frame[0]),
		Message: string(frame[2 : 2+ml]),
	}, nil
}

// DecodeState parses a current-state notification: one status byte.
func DecodeState(value []byte) (State, error) {
	if len(value) < 1 {
		return 0, ErrShortFrame
	}
	return State(value[0]), nil
}

// DecodeErrorCode parses an error-state notification: one status byte.
func DecodeErrorCode(value []byte) (ErrorCode, error) {
	if len(value) < 1 {
		return 0, ErrShortFrame
	}
	return ErrorCode(value[0]), nil
}
