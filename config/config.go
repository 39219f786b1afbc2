// Package config holds the scalar settings consumed by the proxy core.
//
// The process entry point owns loading (flags, files, whatever it likes);
// the core only ever sees this struct. The zero value of every override
// field disables the corresponding behavior.
package config

import (
	"net"
	"strconv"
)

// Settings configures one proxy instance. Shared read-only by every
// connection the instance serves.
type Settings struct {
	// UpstreamHost and UpstreamPort address the authentic backend the
	// proxy relays to.
	UpstreamHost string
	UpstreamPort int

	// TheaterHost and TheaterPort, when set, overwrite the theater
	// endpoint fields advertised in the server hello so game traffic is
	// redirected through an address of our choosing.
	TheaterHost string
	TheaterPort int

	// SpoofPlatform rewrites the platform identifier in the client
	// descriptor string and the partition path of outgoing hellos, and
	// restores the original partition in the matching responses.
	SpoofPlatform bool

	// AccountEmail and AccountPassword, when both set, drive the login
	// substitution chain: the client's console ticket login is replaced
	// with a direct credential login against the backend.
	AccountEmail    string
	AccountPassword string

	// MacAddr replaces the client's MAC address in substituted logins.
	MacAddr string

	// ClientTicket overwrites the authentication ticket of console
	// login requests verbatim.
	ClientTicket string

	// DumpTicket logs the client's authentication ticket and then
	// terminates the connection. An operator capture tool, not an
	// error path.
	DumpTicket bool

	// GameID and LobbyID, when GameID is set, replace matchmaking
	// status responses with a canned join directive for this session.
	GameID  int64
	LobbyID int64
}

// UpstreamAddr returns the backend endpoint in host:port form.
func (s Settings) UpstreamAddr() string {
	return net.JoinHostPort(s.UpstreamHost, strconv.Itoa(s.UpstreamPort))
}

// CredentialOverride reports whether the login substitution chain is
// enabled. Both the email and the password must be configured.
func (s Settings) CredentialOverride() bool {
	return s.AccountEmail != "" && s.AccountPassword != ""
}
