package ble

import "errors"

var (
	// ErrUnsupported reports a host without a usable BLE stack: no system
	// bus, no org.bluez service, or no powered adapter object.
	ErrUnsupported = errors.New("ble: bluetooth is not available on this host")

	// ErrNoSelection reports a scan or picker that yielded no peripheral.
	ErrNoSelection = errors.New("ble: no peripheral selected")

	// ErrNotResolved reports a GATT operation against a characteristic the
	// connected peripheral never exposed.
	ErrNotResolved = errors.New("ble: characteristic not resolved")

	// ErrFrameTooLarge reports a control-channel payload exceeding the
	// largest value a single GATT long write carries.
	ErrFrameTooLarge = errors.New("ble: frame exceeds 512 bytes")
)
