package go_adminconsole

// GetTokenFunc is a function that everytime it is called returns the current bearer credential,
// or false if there is none. Callers must not cache the result between requests.
type GetTokenFunc func() (string, bool)
