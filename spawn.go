package authbroker

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// spawnState is the driver payload of a conversation created by the spawn
// driver: the helper child and the stdin/stdout pair kept back to become the
// session bridge on success.
type spawnState struct {
	scheme      string
	application string
	remotePeer  string
	command     string

	mu            sync.Mutex
	authorization []byte
	proc          *os.Process
	bridgeIn      *os.File // parent write end of the child's stdin
	bridgeOut     *os.File // parent read end of the child's stdout
	adopted       bool
}

// adopt transfers the child and its stdio to the session transport, so that
// conversation teardown no longer kills it.
func (x *spawnState) adopt() (proc *os.Process, read, write *os.File) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.adopted = true
	return x.proc, x.bridgeOut, x.bridgeIn
}

func (x *spawnState) destroy() {
	x.mu.Lock()
	defer x.mu.Unlock()
	wipeBytes(x.authorization)
	x.authorization = nil
	if x.adopted {
		return
	}
	if x.bridgeIn != nil {
		x.bridgeIn.Close()
	}
	if x.bridgeOut != nil {
		x.bridgeOut.Close()
	}
	if x.proc != nil {
		x.proc.Signal(syscall.SIGTERM)
		go x.proc.Wait()
	}
}

// spawnLoginBegin starts a login attempt by forking the configured helper.
// The helper inherits stdin/stdout (the future session bridge) and the auth
// pipe on fd 3, and receives the Authorization payload as the first frame.
func (x *Broker) spawnLoginBegin(application, scheme string, decodeHeader bool, headers http.Header, remotePeer string) (*conversation, chan error, error) {
	command := x.conf.SchemeOption(scheme, "command", x.SessionProgram)

	input := TakeAuthorization(headers, decodeHeader)
	if input == nil && !x.gssapiUnavailable() && scheme == "negotiate" {
		// Let the helper open the GSSAPI handshake itself.
		input = []byte{}
	}
	if input == nil || application == "" {
		return nil, nil, NewError(ErrAuthenticationFailed, "Authentication required")
	}

	id := x.nonce()
	pipe, err := newAuthPipe(id, command,
		time.Duration(x.conf.TimeoutOption("timeout", scheme, x.AuthProcessTimeout, x.Log))*time.Second,
		time.Duration(x.conf.TimeoutOption("response-timeout", scheme, x.AuthResponseTimeout, x.Log))*time.Second,
		x.Log)
	if err != nil {
		wipeBytes(input)
		return nil, nil, err
	}

	sl := &spawnState{
		scheme:        scheme,
		application:   application,
		remotePeer:    remotePeer,
		command:       command,
		authorization: input,
	}
	conv := newConversation(id, finalizeSpawn, pipe, x.Log)
	conv.spawn = sl
	conv.destroy = sl.destroy

	ch := conv.addPending()
	pipe.SetHandlers(
		func(frame []byte) {
			conv.setResponse(frame)
			conv.complete(nil)
		},
		func(closeErr error) {
			// Only report errors; an orderly close without a waiting request
			// is not news.
			if closeErr != nil || conv.hasPending() {
				conv.complete(closeErr)
			}
		})

	childFD := pipe.StealFD()
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		childFD.Close()
		conv.complete(NewError(ErrInternalFailure, "pipe: "+err.Error()))
		return conv, ch, nil
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		childFD.Close()
		stdinR.Close()
		stdinW.Close()
		conv.complete(NewError(ErrInternalFailure, "pipe: "+err.Error()))
		return conv, ch, nil
	}

	cmd := exec.Command(command, scheme, remotePeer)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childFD} // becomes fd 3 in the child

	startErr := cmd.Start()
	stdinR.Close()
	stdoutW.Close()
	childFD.Close()

	if startErr != nil {
		x.Log.Warnf("failed to start %v: %v", command, startErr)
		stdinW.Close()
		stdoutR.Close()
		conv.complete(NewError(ErrInternalFailure, fmt.Sprintf("Internal error starting %v", command)))
		return conv, ch, nil
	}

	sl.mu.Lock()
	sl.proc = cmd.Process
	sl.bridgeIn = stdinW
	sl.bridgeOut = stdoutR
	sl.mu.Unlock()

	if err := pipe.Answer(sl.authorization); err != nil {
		x.Log.Warnf("could not send authorization to %v: %v", command, err)
	}
	return conv, ch, nil
}

// spawnLoginFinalize turns the helper's last response into credentials, a
// prompt challenge, or an error, per the helper wire protocol.
func (x *Broker) spawnLoginFinalize(conv *conversation, outHeaders http.Header, completionErr error) (*Credentials, Transport, []byte, error) {
	if completionErr != nil {
		return nil, nil, nil, completionErr
	}
	sl := conv.spawn
	response := conv.takeResponse()

	if response == nil {
		return nil, nil, nil, NewError(ErrInvalidData, "Authentication failed: no results")
	}
	if !utf8.Valid(response) {
		x.Log.Infof("got non-utf8 response from %v", sl.command)
		return nil, nil, nil, NewError(ErrInvalidData, "Login user name is not UTF8 encoded")
	}
	if !gjson.ValidBytes(response) {
		x.Log.Warnf("couldn't parse %v auth output", sl.command)
		return nil, nil, nil, NewError(ErrInvalidData, "Authentication failed: no results")
	}
	results := gjson.ParseBytes(response)
	if !results.IsObject() {
		x.Log.Warnf("%v auth output is not a JSON object", sl.command)
		return nil, nil, nil, NewError(ErrInvalidData, "Authentication failed: no results")
	}

	var creds *Credentials
	var transport Transport
	var prompt []byte
	var err error

	errorStr, okError := optionalString(results, "error")
	message, okMessage := optionalString(results, "message")
	promptStr, okPrompt := optionalString(results, "prompt")

	switch {
	case !okError || !okMessage || !okPrompt:
		err = NewError(ErrInvalidData, "Authentication failed: invalid results")

	case results.Get("prompt").Exists():
		prompt = x.prepareLoginReply(conv, outHeaders, response, promptStr)
		err = ErrLoginReplyNeeded

	case errorStr == "":
		user := results.Get("user")
		if user.Type != gjson.String || user.String() == "" {
			err = NewError(ErrInvalidData, "Authentication failed: missing user")
		} else {
			creds = x.credsForSpawnAuthenticated(user.String(), sl, results, response)
			proc, bridgeRead, bridgeWrite := sl.adopt()
			transport = newPipeTransport("localhost", proc, bridgeRead, bridgeWrite)
		}

	case errorStr == "authentication-unavailable" && sl.scheme == "negotiate":
		x.setGSSAPIUnavailable()
		x.Log.Infof("negotiate auth is not available, disabling")
		err = NewError(ErrAuthenticationFailed, "Negotiate authentication not available")

	case errorStr == "authentication-failed" || errorStr == "authentication-unavailable":
		x.Log.Infof("%v: %v %v", sl.command, errorStr, message)
		err = ErrAuthenticationFailed

	case errorStr == "permission-denied":
		x.Log.Infof("permission denied: %v", message)
		err = ErrPermissionDenied

	default:
		x.Log.Infof("error from %v: %v: %v", sl.command, errorStr, message)
		err = NewError(ErrInternalFailure, fmt.Sprintf("Authentication failed: %v: %v", errorStr, message))
	}

	buildGSSAPIChallenge(outHeaders, results, x.Log)
	return creds, transport, prompt, err
}

// credsForSpawnAuthenticated digs the password out of the original
// Authorization payload rather than the helper response, so that the secret
// never round-trips through the helper.
func (x *Broker) credsForSpawnAuthenticated(user string, sl *spawnState, results gjson.Result, rawResponse []byte) *Credentials {
	creds := newCredentials(user, sl.application, sl.remotePeer, x.nonce())
	if sl.scheme == "basic" {
		sl.mu.Lock()
		_, password := parseBasicPassword(sl.authorization)
		creds.SetPassword(password)
		sl.mu.Unlock()
	}
	gssapiCreds := results.Get("gssapi-creds")
	if gssapiCreds.Exists() {
		if gssapiCreds.Type == gjson.String {
			creds.GSSAPICreds = gssapiCreds.String()
		} else {
			x.Log.Warnf("received bad gssapi-creds from %v", sl.command)
		}
	}
	creds.SetLoginData(rawResponse)
	return creds
}

// prepareLoginReply registers the conversation for resumption and emits the
// X-Login-Reply challenge. The prompt member is stripped from the body that
// goes back to the client; the prompt travels in the header.
func (x *Broker) prepareLoginReply(conv *conversation, outHeaders http.Header, response []byte, prompt string) []byte {
	buildPromptChallenge(outHeaders, conv.id, prompt)
	x.registerPending(conv)
	body, err := sjson.DeleteBytes(response, "prompt")
	if err != nil {
		return response
	}
	return body
}

// optionalString fetches a field that must be a string when present.
func optionalString(results gjson.Result, field string) (string, bool) {
	v := results.Get(field)
	if !v.Exists() {
		return "", true
	}
	if v.Type != gjson.String {
		return "", false
	}
	return v.String(), true
}
