package transport

import (
	"encoding/base64"
	"strings"
)

// HeaderProvider supplies request headers for every stream and REST call.
type HeaderProvider interface {
	Headers() map[string]string
}

type HeaderFunc func() map[string]string

func (f HeaderFunc) Headers() map[string]string {
	if f == nil {
		return nil
	}
	return f()
}

// BasicAuth authenticates the way opencode servers expect when a password is
// configured. An empty token yields no Authorization header.
type BasicAuth struct {
	Username string
	Token    string
}

func (b BasicAuth) Headers() map[string]string {
	token := strings.TrimSpace(b.Token)
	if token == "" {
		return map[string]string{}
	}
	username := strings.TrimSpace(b.Username)
	if username == "" {
		username = "opencode"
	}
	creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + token))
	return map[string]string{"Authorization": "Basic " + creds}
}

func headersOf(provider HeaderProvider) map[string]string {
	if provider == nil {
		return nil
	}
	return provider.Headers()
}
