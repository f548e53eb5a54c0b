package project

import "fmt"

// Code classifies a domain error for translation into wire error frames and
// the admin HTTP envelope.
type Code int

const (
	CodeProjectNotFound Code = iota + 1
	CodeProjectExists
	CodeProjectNameError
	CodeProjectEnvError
	CodeProjectCycle
	CodeConfigVersion
	CodeConnect
	CodeGlobalAPI
)

// Error is the common shape for every domain error in this package. It
// carries an HTTP-ish status class so transports can map it without a type
// switch over every concrete error.
type Error struct {
	Code       Code
	Status     int
	ConfigName string
	Env        string
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Code {
	case CodeProjectNotFound:
		return fmt.Sprintf("project %q not found", e.ConfigName)
	case CodeProjectExists:
		return fmt.Sprintf("project %q already exists", e.ConfigName)
	case CodeProjectNameError:
		return fmt.Sprintf("project name %q is invalid", e.ConfigName)
	case CodeProjectEnvError:
		return fmt.Sprintf("project %q has no environment %q", e.ConfigName, e.Env)
	case CodeProjectCycle:
		return fmt.Sprintf("project %q parent chain is cyclic", e.ConfigName)
	case CodeConfigVersion:
		return "config version is stale"
	case CodeConnect:
		return "connection rejected"
	default:
		return "request error"
	}
}

// NotFound builds a ProjectNotFound error (404-class).
func NotFound(name string) error {
	return &Error{Code: CodeProjectNotFound, Status: 404, ConfigName: name}
}

// Exists builds a ProjectExists error (403-class).
func Exists(name string) error {
	return &Error{Code: CodeProjectExists, Status: 403, ConfigName: name}
}

// NameError builds a ProjectNameError (403-class).
func NameError(name string) error {
	return &Error{Code: CodeProjectNameError, Status: 403, ConfigName: name}
}

// EnvError builds a ProjectEnvError (404-class).
func EnvError(name, env string) error {
	return &Error{Code: CodeProjectEnvError, Status: 404, ConfigName: name, Env: env}
}

// Cycle builds a ProjectCycle error (409-class); see SPEC_FULL.md §9.
func Cycle(name string) error {
	return &Error{Code: CodeProjectCycle, Status: 409, ConfigName: name}
}

// ConnectError builds a Connect error with a caller-supplied message, e.g.
// admission rejection text.
func ConnectError(message string) error {
	return &Error{Code: CodeConnect, Status: 400, Message: message}
}

// GlobalAPIError builds a GlobalApi validation error.
func GlobalAPIError(message string) error {
	return &Error{Code: CodeGlobalAPI, Status: 400, Message: message}
}

// As reports whether err is a *Error and returns it.
func As(err error) (*Error, bool) {
	pe, ok := err.(*Error)
	return pe, ok
}
