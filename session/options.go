package session

import (
	"time"

	adminconsole "github.com/devgianlu/go-adminconsole"
	"github.com/devgianlu/go-adminconsole/gateway"
	"github.com/devgianlu/go-adminconsole/storage"
)

const DefaultLoginPath = "/api/login/"

type Options struct {
	// Log is the base logger, leave nil to discard logs.
	Log adminconsole.Logger
	// Storage is where the session is mirrored, required.
	Storage storage.Storage
	// Gateway is used to reach the login endpoint, required.
	Gateway *gateway.Gateway

	// LoginPath is the backend login endpoint, leave empty to use DefaultLoginPath.
	LoginPath string
	// Now is the clock used to check credential expiry, leave nil to use time.Now.
	Now func() time.Time
}
