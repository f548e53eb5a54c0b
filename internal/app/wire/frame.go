// Package wire defines the JSON frame shapes exchanged over the /connect
// duplex connection, grounded on rtconfig/message.py's Message class
// (SPEC_FULL.md §4.F/§6).
package wire

import "encoding/json"

// Message type constants, unchanged from the source's MT_NO_CHANGE/MT_CHANGED.
const (
	TypeNoChange = "nochange"
	TypeChanged  = "changed"
)

// Response mode constants: Notify marks the answer to a client's own pull (the
// client stays passive), Reply marks a frame pushed after a change (the client
// answers with its next pull).
const (
	ResponseModeReply  = "reply"
	ResponseModeNotify = "notify"
)

// PullFrame is what a client sends to request (or long-poll for a change to)
// its effective configuration.
type PullFrame struct {
	ConfigName string            `json:"config_name"`
	Env        string            `json:"env"`
	HashCode   string            `json:"hash_code"`
	Context    map[string]string `json:"context,omitempty"`
}

// PushFrame is what the server sends in response to a pull, or asynchronously
// after a config_changed event.
type PushFrame struct {
	MessageType  string         `json:"message_type"`
	ConfigName   string         `json:"config_name"`
	HashCode     string         `json:"hash_code"`
	Data         map[string]any `json:"data"`
	Env          string         `json:"env"`
	ResponseMode string         `json:"response_mode"`
}

// ErrorFrame reports a domain or connection error to the subscriber. Only an
// admission rejection also closes the session; after a decode or resolution
// error the session keeps reading. Code is the domain error's status class
// (e.g. 400), not an ad-hoc token.
type ErrorFrame struct {
	Code    int    `json:"code"`
	Message string `json:"error_msg"`
}

// NoChange builds the frame sent when the client's hash already matches the
// server's resolution. Like Changed, this is a reply to a pull frame and so
// always carries notify mode (SPEC_FULL.md §4.E): the client should keep
// waiting rather than immediately re-pull.
func NoChange(configName, env, hash string) PushFrame {
	return PushFrame{
		MessageType:  TypeNoChange,
		ConfigName:   configName,
		HashCode:     hash,
		Data:         map[string]any{},
		Env:          env,
		ResponseMode: ResponseModeNotify,
	}
}

// Changed builds the frame sent when the effective configuration differs
// from what the client already has.
func Changed(configName, env, hash string, data map[string]any, mode string) PushFrame {
	return PushFrame{
		MessageType:  TypeChanged,
		ConfigName:   configName,
		HashCode:     hash,
		Data:         data,
		Env:          env,
		ResponseMode: mode,
	}
}

// Decode parses a client frame from raw text-frame bytes.
func Decode(raw []byte) (PullFrame, error) {
	var frame PullFrame
	err := json.Unmarshal(raw, &frame)
	return frame, err
}

// Encode serialises a push or error frame for the wire.
func Encode(v any) ([]byte, error) { return json.Marshal(v) }
