// Package herrors defines the error taxonomy shared by the socket
// authentication flow, the workspace controllers and the RPC bridge,
// together with the single translation path to the wire protocol's
// error payload shape.
package herrors

import (
	"errors"
	"fmt"
)

// InvalidOption indicates a missing or malformed required argument.
// Option names the offending field, Kind details the violation
// ("required", "invalid", "exists").
type InvalidOption struct {
	Option string
	Kind   string
}

func (e *InvalidOption) Error() string {
	return fmt.Sprintf("invalid option %q: %s", e.Option, e.Kind)
}

// Unauthorized indicates a failed permission check.
type Unauthorized struct {
	Message string
}

func (e *Unauthorized) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return e.Message
}

// AuthenticationError indicates the credential was invalid or the
// identity service rejected it.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return e.Message
}

// AuthenticationTimeout indicates no successful authentication happened
// within the allowed window.
type AuthenticationTimeout struct{}

func (e *AuthenticationTimeout) Error() string {
	return "authentication timed out"
}

// NotFound indicates an absent workspace, project or room.
type NotFound struct {
	Resource string
}

func (e *NotFound) Error() string {
	if e.Resource == "" {
		return "resource not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// WorkspaceExists indicates a workspace already exists for the project.
type WorkspaceExists struct{}

func (e *WorkspaceExists) Error() string {
	return "workspace exists"
}

// WirePayload is the shape every error takes when it crosses the wire,
// both in authentication-error events and in RPC error responses.
// Internal detail (wrapped causes, stack traces) never leaks into it.
type WirePayload struct {
	Name    string `json:"name"`
	Option  string `json:"option,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// ToWire maps an error to its WirePayload. Untyped errors map to a bare
// {name: "Error"} so callers can emit them without leaking internals.
func ToWire(err error) WirePayload {
	var (
		invalidOption *InvalidOption
		unauthorized  *Unauthorized
		authErr       *AuthenticationError
		authTimeout   *AuthenticationTimeout
		notFound      *NotFound
		wsExists      *WorkspaceExists
	)

	switch {
	case errors.As(err, &invalidOption):
		return WirePayload{
			Name:    "InvalidOption",
			Option:  invalidOption.Option,
			Kind:    invalidOption.Kind,
			Message: invalidOption.Error(),
		}
	case errors.As(err, &unauthorized):
		return WirePayload{Name: "Unauthorized", Message: unauthorized.Error()}
	case errors.As(err, &authErr):
		return WirePayload{Name: "AuthenticationError", Message: authErr.Error()}
	case errors.As(err, &authTimeout):
		return WirePayload{Name: "AuthenticationTimeout"}
	case errors.As(err, &notFound):
		return WirePayload{Name: "NotFound", Message: notFound.Error()}
	case errors.As(err, &wsExists):
		return WirePayload{Name: "WorkspaceExists", Message: wsExists.Error()}
	default:
		return WirePayload{Name: "Error"}
	}
}
