package protocol

import "errors"

// ErrBadFrame reports a wire message that is not a valid envelope.
var ErrBadFrame = errors.New("protocol: malformed envelope")

// CommandPayload names a robot action from the action catalog, with free-form
// parameters. The catalog itself lives outside this module.
type CommandPayload struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// MovementPayload carries a normalized velocity pair. Values are in [-1, 1];
// the firmware scales them to actuator limits.
type MovementPayload struct {
	Linear  float64 `json:"linear"`
	Angular float64 `json:"angular"`
}

// ButtonPayload reports a single named control being pressed or released.
type ButtonPayload struct {
	Button  string `json:"button"`
	Pressed bool   `json:"pressed"`
}

// NewCommand builds a command envelope for a named action.
func NewCommand(name string, params map[string]interface{}) (Envelope, error) {
	return New(TypeCommand, CommandPayload{Name: name, Params: params})
}

// NewMovement builds a movement_command envelope.
func NewMovement(linear, angular float64) (Envelope, error) {
	return New(TypeMovementCommand, MovementPayload{Linear: linear, Angular: angular})
}

// NewButtonPress builds a button_press envelope.
func NewButtonPress(button string, pressed bool) (Envelope, error) {
	return New(TypeButtonPress, ButtonPayload{Button: button, Pressed: pressed})
}
