package authbroker

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IMQS/log"
)

const (
	actionSpawnHeader = "spawn-login-with-header"
	actionSpawnDecode = "spawn-login-with-decoded"
	actionSSH         = "remote-login-ssh"
	actionLoginReply  = "x-login-reply"
	actionNone        = "none"

	loginReplyHeader = "X-Login-Reply"
)

// Default lifetimes, in the sshd tradition of being short enough to matter.
const (
	// How long an authenticated session survives with nothing using it.
	DefaultServiceIdle = 15 * time.Second
	// How long the whole broker waits with no sessions and no pending
	// conversations before signalling that it is idle.
	DefaultProcessIdle = 90 * time.Second

	// Helper conversation timeouts, in seconds, overridable per scheme.
	DefaultAuthProcessTimeout  = 30
	DefaultAuthResponseTimeout = 60
)

const (
	defaultSessionProgram = "/usr/libexec/cockpit-session"
	defaultBridgeProgram  = "cockpit-bridge"
)

var (
	// NOTE: These 'base' error strings may not be prefixes of each other,
	// otherwise it violates our NewError() concept, which ensures that
	// any broker error starts with one of these *unique* prefixes
	ErrAuthenticationFailed = errors.New("Authentication failed")
	ErrPermissionDenied     = errors.New("Permission denied")
	ErrInvalidData          = errors.New("Invalid data")
	ErrInternalFailure      = errors.New("Internal failure")
	// Throttle rejections look like a network problem on purpose, so a probe
	// cannot distinguish an overloaded broker from a dead one.
	ErrConnectionClosed = errors.New("Connection closed by host")
	// Not a failure: the helper wants another round with the client. The
	// login result carries a prompt body and an X-Login-Reply challenge.
	ErrLoginReplyNeeded = errors.New("X-Login-Reply needed")
)

var errAuthTimeout = NewError(ErrAuthenticationFailed, "Timeout during authentication")

// NewError is to be used whenever you return a broker error. We rely upon the
// prefix of the error string to identify the broad category of the error.
func NewError(base error, detail string) error {
	return errors.New(base.Error() + ": " + detail)
}

func isCategory(err, base error) bool {
	if err == nil {
		return false
	}
	return err == base || strings.HasPrefix(err.Error(), base.Error())
}

func IsAuthenticationFailed(err error) bool { return isCategory(err, ErrAuthenticationFailed) }
func IsPermissionDenied(err error) bool     { return isCategory(err, ErrPermissionDenied) }
func IsInvalidData(err error) bool          { return isCategory(err, ErrInvalidData) }
func IsInternalFailure(err error) bool      { return isCategory(err, ErrInternalFailure) }
func IsLoginReplyNeeded(err error) bool     { return isCategory(err, ErrLoginReplyNeeded) }

// AuthFlags modifies per-call login behaviour.
type AuthFlags int

const (
	// CookieInsecure omits the Secure attribute from the session cookie, for
	// gateways that terminate plain HTTP during development.
	CookieInsecure AuthFlags = 1 << iota
)

// session is one authenticated login: the cookie it is addressed by, the
// credentials it owns, and the web service it wraps.
type session struct {
	cookie  string
	creds   *Credentials
	service *WebService

	mu        sync.Mutex
	idleTimer *time.Timer
	idlingID  int
	destroyID int
}

/*
Broker is the authentication hub that stands between unauthenticated HTTP
requests and long-lived authenticated sessions. All public methods of Broker
are callable from multiple goroutines.
*/
type Broker struct {
	Stats   Stats
	Auditor Auditor
	Log     *log.Logger

	// Tunables; set before the first Login.
	ServiceIdle         time.Duration
	ProcessIdle         time.Duration
	AuthProcessTimeout  uint
	AuthResponseTimeout uint
	SessionProgram      string
	BridgeProgram       string
	SSHPort             int
	LoginLoopback       bool

	// OnIdling fires when the process-wide idle timer expires with no
	// sessions and no pending conversations. The surrounding process
	// typically exits cleanly in response.
	OnIdling func()

	conf *Config
	key  *secretKey

	mu               sync.Mutex
	sessions         map[string]*session
	pending          map[string]*conversation
	startups         int
	maxStartups      int
	maxStartupsBegin int
	maxStartupsRate  int
	processTimer     *time.Timer

	gssapiNotAvail uint32
	shuttingDown   uint32
	randInt        func(n int) int
}

// NewBroker creates a broker from the given configuration. Failure to read
// the secret key from the OS RNG is fatal; a broker that cannot mint nonces
// must not start.
func NewBroker(conf *Config, logfile string, loginLoopback bool) (*Broker, error) {
	key, err := newSecretKey()
	if err != nil {
		return nil, err
	}
	if conf == nil {
		conf = &Config{}
		conf.Reset()
	}

	x := &Broker{
		Log:                 log.New(resolveLogfile(logfile), runtime.GOOS != "windows"),
		ServiceIdle:         DefaultServiceIdle,
		ProcessIdle:         DefaultProcessIdle,
		AuthProcessTimeout:  DefaultAuthProcessTimeout,
		AuthResponseTimeout: DefaultAuthResponseTimeout,
		SessionProgram:      defaultSessionProgram,
		BridgeProgram:       defaultBridgeProgram,
		SSHPort:             22,
		LoginLoopback:       loginLoopback,
		conf:                conf,
		key:                 key,
		sessions:            map[string]*session{},
		pending:             map[string]*conversation{},
		randInt:             rand.Intn,
	}

	spec, _ := conf.String("WebService", "MaxStartups")
	x.maxStartupsBegin, x.maxStartupsRate, x.maxStartups = parseMaxStartups(spec, x.Log)

	x.processTimer = time.AfterFunc(x.ProcessIdle, x.processTimeout)

	x.Log.Infof("Authentication broker successfully started up")
	return x, nil
}

func resolveLogfile(logfile string) string {
	if logfile != "" {
		return logfile
	}
	return log.Stdout
}

// Nonce mints a fresh unguessable identifier. Exposed so embedders can mint
// CSRF tokens from the same key.
func (x *Broker) Nonce() string {
	return x.key.Nonce()
}

func (x *Broker) nonce() string {
	return x.key.Nonce()
}

func (x *Broker) gssapiUnavailable() bool {
	return atomic.LoadUint32(&x.gssapiNotAvail) != 0
}

// setGSSAPIUnavailable records that a helper reported GSSAPI as unavailable.
// There is no reset; the broker skips GSSAPI until restart.
func (x *Broker) setGSSAPIUnavailable() {
	atomic.StoreUint32(&x.gssapiNotAvail, 1)
}

func (x *Broker) IsShuttingDown() bool {
	return atomic.LoadUint32(&x.shuttingDown) != 0
}

/*
canStartAuthLocked decides whether a new login attempt may proceed, given
that startups has already been incremented for it. Dropping starts once
maxStartupsBegin attempts are already in flight, with probability
maxStartupsRate/100, increasing linearly until everything beyond maxStartups
is dropped. maxStartups of zero means unlimited.
*/
func (x *Broker) canStartAuthLocked() bool {
	if x.maxStartups == 0 {
		return true
	}
	inFlight := x.startups - 1 // attempts already being processed
	if inFlight < x.maxStartupsBegin {
		return true
	}
	if inFlight > x.maxStartups {
		return false
	}
	if x.maxStartupsRate == 100 {
		return false
	}
	p := 100 - x.maxStartupsRate
	p *= inFlight - x.maxStartupsBegin
	p /= x.maxStartups - x.maxStartupsBegin
	p += x.maxStartupsRate
	return x.randInt(100) >= p
}

func (x *Broker) actionForScheme(scheme string) string {
	if scheme == actionLoginReply {
		return actionLoginReply
	}
	// ssh only supports basic right now
	if x.LoginLoopback && scheme == "basic" {
		return actionSSH
	}
	if action, ok := x.conf.String(scheme, "action"); ok {
		return action
	}
	if scheme == "basic" || scheme == "negotiate" {
		return actionSpawnDecode
	}
	return actionNone
}

/*
Login authenticates one HTTP request. It consumes the Authorization header
from inHeaders, drives the chosen login driver to completion, and returns the
JSON body to send to the client.

On success the session cookie is set on outHeaders and the body carries the
user and CSRF token. When the helper needs another round, the returned error
is ErrLoginReplyNeeded, outHeaders carries the X-Login-Reply challenge, and
the body carries the helper's prompt metadata. Every other outcome is an
error from the taxonomy at the top of this file.
*/
func (x *Broker) Login(path string, inHeaders, outHeaders http.Header, remotePeer string, flags AuthFlags) ([]byte, error) {
	x.mu.Lock()
	x.startups++
	admit := x.canStartAuthLocked()
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		x.startups--
		x.mu.Unlock()
	}()

	if !admit {
		x.Stats.IncrementThrottleDrop(x.Log)
		x.Log.Infof("Request dropped; too many startup connections")
		return nil, ErrConnectionClosed
	}

	application := ParseApplication(path)
	if !validCookieName(application) {
		return nil, NewError(ErrInvalidData, "Invalid application name")
	}
	scheme := ParseAuthorizationScheme(inHeaders)
	if scheme == "" {
		scheme = "negotiate"
	}

	var conv *conversation
	var ch chan error
	var beginErr error

	action := x.actionForScheme(scheme)
	switch action {
	case actionSpawnHeader:
		conv, ch, beginErr = x.spawnLoginBegin(application, scheme, false, inHeaders, remotePeer)
	case actionSpawnDecode:
		conv, ch, beginErr = x.spawnLoginBegin(application, scheme, true, inHeaders, remotePeer)
	case actionSSH:
		conv, ch, beginErr = x.remoteLoginBegin(application, scheme, inHeaders, remotePeer)
	case actionLoginReply:
		conv, ch, beginErr = x.resumeBegin(inHeaders)
	case actionNone:
		beginErr = NewError(ErrAuthenticationFailed, "Authentication disabled")
	default:
		x.Log.Infof("got unknown login action: %v", action)
		beginErr = NewError(ErrAuthenticationFailed, "Authentication disabled")
	}
	if beginErr != nil {
		if conv != nil {
			conv.unref()
		}
		x.Stats.IncrementFailedLogin(x.Log)
		x.auditLogin("", application, remotePeer, AuditActionFailedLogin)
		return nil, beginErr
	}

	completionErr := <-ch

	var creds *Credentials
	var transport Transport
	var prompt []byte
	var err error
	switch conv.kind {
	case finalizeSpawn:
		creds, transport, prompt, err = x.spawnLoginFinalize(conv, outHeaders, completionErr)
	case finalizeRemote:
		creds, transport, prompt, err = x.remoteLoginFinalize(conv, outHeaders, completionErr)
	default:
		err = NewError(ErrInternalFailure, "conversation has no finalizer")
	}
	conv.unref()

	if err != nil {
		if prompt != nil {
			// Challenge header is already on outHeaders; the pending table
			// holds the conversation until the client replies.
			return prompt, err
		}
		x.Stats.IncrementFailedLogin(x.Log)
		x.auditLogin("", application, remotePeer, AuditActionFailedLogin)
		x.Log.Infof("Login failed (%v) (%v)", scheme, err)
		return nil, err
	}

	body := x.createSession(creds, transport, application, outHeaders, flags)
	x.Stats.IncrementGoodLogin(x.Log)
	x.auditLogin(creds.User, application, remotePeer, AuditActionLogin)
	return body, nil
}

/*
resumeBegin continues a conversation that previously issued a prompt. The
Authorization header is "X-Login-Reply <id> <base64-answer>"; the id selects
the pending conversation, and the decoded answer is fed back to its helper.
*/
func (x *Broker) resumeBegin(headers http.Header) (*conversation, chan error, error) {
	header := headers.Get("Authorization")
	headers.Del("Authorization")
	parts := strings.SplitN(header, " ", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		x.Stats.IncrementStaleResumeToken(x.Log)
		return nil, nil, NewError(ErrAuthenticationFailed, "Invalid resume token")
	}

	x.mu.Lock()
	conv := x.pending[parts[1]]
	if conv != nil {
		delete(x.pending, parts[1])
	}
	x.mu.Unlock()

	if conv == nil {
		x.Stats.IncrementStaleResumeToken(x.Log)
		return nil, nil, NewError(ErrAuthenticationFailed, "Invalid resume token")
	}

	// The pending table's reference transfers to this request. The purge
	// hook must go first, or a helper close could double-release it.
	conv.pipe.ClearPurge()

	answer, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(answer) == 0 {
		return conv, nil, NewError(ErrAuthenticationFailed, "Invalid resume token")
	}

	ch := conv.addPending()
	if err := conv.pipe.Answer(answer); err != nil {
		x.Log.Warnf("could not deliver login reply: %v", err)
	}
	wipeBytes(answer)
	return conv, ch, nil
}

// registerPending parks a conversation that is waiting for the client to
// answer a prompt. The table keeps a reference; if the helper goes away in
// the meantime, the purge hook drops the entry.
func (x *Broker) registerPending(conv *conversation) {
	x.mu.Lock()
	x.pending[conv.id] = conv.ref()
	x.mu.Unlock()
	conv.pipe.SetPurge(func() {
		x.purgePending(conv.id)
	})
}

func (x *Broker) purgePending(id string) {
	x.mu.Lock()
	conv := x.pending[id]
	if conv != nil {
		delete(x.pending, id)
	}
	x.mu.Unlock()
	if conv != nil {
		conv.unref()
	}
}

// createSession installs the credentials behind a fresh cookie and starts
// the session in the idling state: the caller has ServiceIdle to attach a
// consumer before the session is reaped.
func (x *Broker) createSession(creds *Credentials, transport Transport, application string, outHeaders http.Header, flags AuthFlags) []byte {
	id := x.nonce()
	s := &session{
		cookie:  cookiePrefix + id,
		creds:   creds,
		service: newWebService(creds, transport),
	}
	s.idlingID = s.service.OnIdling(func() { x.sessionIdling(s) })
	s.destroyID = s.service.OnDestroy(func() { x.sessionDestroyed(s) })

	x.mu.Lock()
	x.sessions[s.cookie] = s
	x.mu.Unlock()

	if outHeaders != nil {
		secure := " Secure;"
		if flags&CookieInsecure != 0 {
			secure = ""
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(s.cookie))
		outHeaders.Set("Set-Cookie", fmt.Sprintf("%v=%v; Path=/;%v HttpOnly", application, encoded, secure))
	}

	x.sessionIdling(s)
	x.Log.Infof("logged in user: %v", creds.User)
	return creds.ToJSON()
}

// sessionIdling (re)arms the per-session idle timer and pushes back the
// process-wide one.
func (x *Broker) sessionIdling(s *session) {
	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(x.ServiceIdle, func() { x.sessionTimeout(s) })
	s.mu.Unlock()

	x.resetProcessTimer()
}

func (x *Broker) sessionTimeout(s *session) {
	if s.service.Idling() {
		x.Log.Infof("%v: session timed out", s.creds.User)
		x.removeSession(s)
	}
}

func (x *Broker) sessionDestroyed(s *session) {
	x.removeSession(s)
}

// removeSession drops a session from the table and releases everything it
// owns. Credentials are poisoned before the service is disposed, so no
// observable state carries the password beyond this point.
func (x *Broker) removeSession(s *session) {
	x.mu.Lock()
	if _, ok := x.sessions[s.cookie]; !ok {
		x.mu.Unlock()
		return
	}
	delete(x.sessions, s.cookie)
	x.mu.Unlock()

	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	s.service.DisconnectIdling(s.idlingID)
	s.service.DisconnectDestroy(s.destroyID)
	x.auditLogin(s.creds.User, s.creds.Application, s.creds.RemotePeer, AuditActionSessionEnd)
	s.creds.Poison()
	s.service.Dispose()

	x.resetProcessTimer()
}

func (x *Broker) resetProcessTimer() {
	x.mu.Lock()
	if x.processTimer != nil {
		x.processTimer.Stop()
	}
	x.processTimer = time.AfterFunc(x.ProcessIdle, x.processTimeout)
	x.mu.Unlock()
}

func (x *Broker) processTimeout() {
	x.mu.Lock()
	idle := len(x.sessions) == 0 && len(x.pending) == 0
	cb := x.OnIdling
	x.mu.Unlock()
	if idle {
		x.Log.Infof("web service is idle")
		if cb != nil {
			cb()
		}
	}
}

/*
CheckCookie resolves the session cookie on an incoming request. It returns
the session's WebService on a hit, or nil for anything unknown, malformed or
expired. The cookie name is derived from the request path, so embedded
applications only see their own sessions.
*/
func (x *Broker) CheckCookie(path string, headers http.Header) *WebService {
	application := ParseApplication(path)
	raw := parseCookieValue(headers, application)
	if raw == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		x.Stats.IncrementInvalidCookie(x.Log)
		return nil
	}
	cookie := string(decoded)
	if !strings.HasPrefix(cookie, cookiePrefix) {
		x.Stats.IncrementInvalidCookie(x.Log)
		return nil
	}

	x.mu.Lock()
	s := x.sessions[cookie]
	x.mu.Unlock()

	if s == nil {
		x.Stats.IncrementInvalidCookie(x.Log)
		return nil
	}
	return s.service
}

func (x *Broker) auditLogin(identity, application, remotePeer string, action AuditActionType) {
	if x.Auditor == nil {
		return
	}
	if identity == "" {
		identity = "unknown"
	}
	x.Auditor.AuditLoginAction(identity, application, remotePeer, action)
}

// Close tears down every session and pending conversation, stops the timers
// and zeroes the secret key. The broker is unusable afterwards.
func (x *Broker) Close() {
	x.Log.Infof("Authentication broker has started shutting down")
	atomic.StoreUint32(&x.shuttingDown, 1)

	x.mu.Lock()
	sessions := make([]*session, 0, len(x.sessions))
	for _, s := range x.sessions {
		sessions = append(sessions, s)
	}
	pending := make([]*conversation, 0, len(x.pending))
	for _, c := range x.pending {
		pending = append(pending, c)
	}
	x.pending = map[string]*conversation{}
	if x.processTimer != nil {
		x.processTimer.Stop()
	}
	x.mu.Unlock()

	for _, s := range sessions {
		x.removeSession(s)
	}
	for _, c := range pending {
		c.pipe.ClearPurge()
		c.unref()
	}
	x.key.Zero()
	x.Log.Infof("Authentication broker has shut down")
}
