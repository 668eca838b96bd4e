package improv

import "errors"

var (
	// ErrFieldTooLong reports a credential field that exceeds the one-byte
	// length prefix of the RPC frame layout.
	ErrFieldTooLong = errors.New("improv: field exceeds 255 bytes")

	// ErrShortFrame reports a frame shorter than its declared layout.
	ErrShortFrame = errors.New("improv: truncated frame")

	// ErrBadFrame reports a frame whose command byte does not match the
	// expected layout.
	ErrBadFrame = errors.New("improv: malformed frame")

	// ErrEssentialCharacteristic reports a peripheral lacking the
	// RPC-command characteristic. Without it no command can be written, so
	// the session is unusable.
	ErrEssentialCharacteristic = errors.New("improv: rpc-command characteristic missing")

	// ErrIdentifyUnsupported reports an identify request against a
	// peripheral whose capabilities byte does not advertise it.
	ErrIdentifyUnsupported = errors.New("improv: peripheral does not support identify")

	// ErrUnavailable reports a read against a characteristic the peripheral
	// never exposed.
	ErrUnavailable = errors.New("improv: characteristic unavailable")

	// ErrLinkClosed reports an operation interrupted by the BLE link
	// dropping.
	ErrLinkClosed = errors.New("improv: peripheral link closed")
)
