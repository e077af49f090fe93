package session

import (
	adminconsole "github.com/devgianlu/go-adminconsole"
)

const (
	KeyToken = "token"
	KeyUser  = "user"
)

// Identity is the user as described by the login response, it is stored as JSON under KeyUser.
type Identity struct {
	Id         int               `json:"id,omitempty"`
	Email      string            `json:"email"`
	Role       adminconsole.Role `json:"rol"`
	DateJoined string            `json:"date_joined,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Access  string    `json:"access"`
	Refresh string    `json:"refresh,omitempty"`
	User    *Identity `json:"user"`
}
