package authbroker

import (
	"github.com/tidwall/sjson"
)

// wipeBytes overwrites every byte of b. Buffers that have carried a password,
// a decoded Authorization payload or a GSSAPI token must pass through here
// before they are released.
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Credentials is the record produced by a successful (or in the SSH case,
// attempted) login. It is owned by exactly one session at a time, and must be
// poisoned before release so that the password does not linger on the heap.
type Credentials struct {
	User        string
	Application string
	RemotePeer  string
	CSRFToken   string
	GSSAPICreds string // hex handle from the helper, opaque to the broker

	password  []byte
	loginData []byte // raw JSON from the helper, returned verbatim to the client
	poisoned  bool
}

func newCredentials(user, application, remotePeer, csrfToken string) *Credentials {
	return &Credentials{
		User:        user,
		Application: application,
		RemotePeer:  remotePeer,
		CSRFToken:   csrfToken,
	}
}

// SetPassword takes its own copy of password; the caller remains responsible
// for wiping its buffer.
func (x *Credentials) SetPassword(password []byte) {
	x.password = append([]byte(nil), password...)
}

func (x *Credentials) Password() []byte {
	return x.password
}

func (x *Credentials) SetLoginData(raw []byte) {
	x.loginData = append([]byte(nil), raw...)
}

// Poison overwrites the secret fields. Safe to call more than once.
func (x *Credentials) Poison() {
	if x.poisoned {
		return
	}
	wipeBytes(x.password)
	x.password = nil
	wipeBytes(x.loginData)
	x.loginData = nil
	x.GSSAPICreds = ""
	x.poisoned = true
}

func (x *Credentials) Poisoned() bool {
	return x.poisoned
}

// ToJSON builds the body returned to the client after login. The password
// never appears here; login-data is the helper's JSON, passed through
// untouched.
func (x *Credentials) ToJSON() []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "user", x.User)
	out, _ = sjson.SetBytes(out, "csrf-token", x.CSRFToken)
	if len(x.loginData) > 0 {
		out, _ = sjson.SetRawBytes(out, "login-data", x.loginData)
	}
	return out
}
