// types.go - Typen der Rendezvous-API
// Enthaelt: StatusError, RegisterRequest/Response, PeersResponse, StatusResponse
package api

import (
	"fmt"

	"github.com/google/uuid"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the rendezvous server logs for details"
	}
}

// RegisterRequest announces a worker and the address it accepts ring
// connections on.
type RegisterRequest struct {
	Addr string `json:"addr"`

	// Rank requests a fixed rank. The server assigns the lowest free rank
	// when it is nil.
	Rank *int `json:"rank,omitempty"`
}

type RegisterResponse struct {
	Job   uuid.UUID `json:"job"`
	Rank  int       `json:"rank"`
	World int       `json:"world"`
}

// PeersResponse lists the address of every rank. Ranks that have not
// registered yet have an empty address.
type PeersResponse struct {
	Job   uuid.UUID `json:"job"`
	World int       `json:"world"`
	Ready bool      `json:"ready"`
	Peers []string  `json:"peers"`
}

type StatusResponse struct {
	Job        uuid.UUID `json:"job"`
	World      int       `json:"world"`
	Registered int       `json:"registered"`
	Ready      bool      `json:"ready"`
}
