package authbroker

import (
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/IMQS/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ssh"
)

// remoteState is the driver payload of a conversation created by the
// remote-SSH driver. Credentials are minted up front, because the SSH
// transport needs the password to authenticate; they only reach a session if
// the transport reports success.
type remoteState struct {
	mu        sync.Mutex
	creds     *Credentials
	transport *sshTransport
	gotResult bool
	adopted   bool
}

func (x *remoteState) markResult() {
	x.mu.Lock()
	x.gotResult = true
	x.mu.Unlock()
}

func (x *remoteState) hasResult() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.gotResult
}

func (x *remoteState) adopt() (*Credentials, *sshTransport) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.adopted = true
	return x.creds, x.transport
}

func (x *remoteState) destroy() {
	x.mu.Lock()
	adopted := x.adopted
	x.mu.Unlock()
	if adopted {
		return
	}
	x.transport.Close("")
	x.creds.Poison()
}

// remoteLoginBegin authenticates Basic credentials against an SSH server
// instead of a local helper. Interactive prompts from the server travel the
// same auth-pipe path as spawn-helper prompts.
func (x *Broker) remoteLoginBegin(application, scheme string, headers http.Header, remotePeer string) (*conversation, chan error, error) {
	input := TakeAuthorization(headers, true)
	defer wipeBytes(input)

	var creds *Credentials
	if application != "" && scheme == "basic" && input != nil {
		user, password := parseBasicPassword(input)
		if user != "" && password != nil {
			creds = newCredentials(user, application, remotePeer, x.nonce())
			creds.SetPassword(password)
		}
	}
	if creds == nil {
		return nil, nil, NewError(ErrAuthenticationFailed, "Basic authentication required")
	}

	id := x.nonce()
	pipe, err := newAuthPipe(id, "ssh ("+scheme+")",
		time.Duration(x.conf.TimeoutOption("timeout", scheme, x.AuthProcessTimeout, x.Log))*time.Second,
		time.Duration(x.conf.TimeoutOption("response-timeout", scheme, x.AuthResponseTimeout, x.Log))*time.Second,
		x.Log)
	if err != nil {
		creds.Poison()
		return nil, nil, err
	}

	port := x.SSHPort
	if confPort, ok := x.conf.String(actionSSH, "port"); ok {
		if p, perr := strconv.Atoi(confPort); perr == nil {
			port = p
		}
	}

	conv := newConversation(id, finalizeRemote, pipe, x.Log)
	rl := &remoteState{creds: creds}
	rl.transport = newSSHTransport(
		x.conf.SchemeOption(actionSSH, "host", "127.0.0.1"),
		port,
		x.conf.SchemeOption(actionSSH, "command", x.BridgeProgram),
		creds.User,
		creds.Password(),
		pipe.StealFD(),
		x.Log)
	conv.remote = rl
	conv.destroy = rl.destroy

	ch := conv.addPending()
	pipe.SetHandlers(
		func(frame []byte) {
			conv.setResponse(frame)
			conv.complete(nil)
		},
		func(closeErr error) {
			if closeErr != nil || conv.hasPending() {
				conv.complete(closeErr)
			}
		})
	rl.transport.onResult = func(problem string) {
		rl.markResult()
		conv.complete(classifySSHProblem(problem, rl.transport.MethodResults()))
	}
	rl.transport.start()

	return conv, ch, nil
}

// classifySSHProblem maps a transport problem code onto the error taxonomy.
// A failed password that the server never offered to check is surfaced as
// not-supported rather than bad-credentials.
func classifySSHProblem(problem string, methodResults map[string]string) error {
	switch problem {
	case "":
		return nil
	case "authentication-failed":
		pw := methodResults["password"]
		if pw == "" || pw == "no-server-support" {
			return NewError(ErrAuthenticationFailed, "authentication-not-supported")
		}
		return ErrAuthenticationFailed
	case "terminated":
		return NewError(ErrAuthenticationFailed, "terminated")
	default:
		return NewError(ErrInternalFailure, "Couldn't connect or authenticate: "+problem)
	}
}

// remoteLoginFinalize hands back the credentials and transport on success.
// A pipe message that beats the transport result carries an interactive
// prompt; anything else on that path is a broken transport.
func (x *Broker) remoteLoginFinalize(conv *conversation, outHeaders http.Header, completionErr error) (*Credentials, Transport, []byte, error) {
	if completionErr != nil {
		return nil, nil, nil, completionErr
	}
	rl := conv.remote

	if rl.hasResult() {
		creds, transport := rl.adopt()
		return creds, transport, nil, nil
	}

	response := conv.takeResponse()
	promptStr, err := parseSSHPrompt(response, x.Log)
	if err != nil {
		rl.transport.Close("internal-error")
		return nil, nil, nil, err
	}
	body := x.prepareLoginReply(conv, outHeaders, response, promptStr)
	return nil, nil, body, ErrLoginReplyNeeded
}

func parseSSHPrompt(response []byte, logger *log.Logger) (string, error) {
	if response == nil {
		return "", NewError(ErrInvalidData, "Authentication failed: no results")
	}
	if !utf8.Valid(response) {
		logger.Infof("got non-utf8 data from ssh connection")
		return "", NewError(ErrInvalidData, "Data is not UTF8 encoded")
	}
	if !gjson.ValidBytes(response) {
		logger.Warnf("couldn't parse ssh auth output")
		return "", NewError(ErrInvalidData, "Authentication failed: no results")
	}
	results := gjson.ParseBytes(response)
	if !results.IsObject() {
		return "", NewError(ErrInvalidData, "Authentication failed: no results")
	}
	prompt := results.Get("prompt")
	if !prompt.Exists() {
		return "", NewError(ErrInvalidData, "Authentication failed: missing prompt")
	}
	if prompt.Type != gjson.String {
		return "", NewError(ErrInvalidData, "Authentication failed: invalid results")
	}
	return prompt.String(), nil
}

// sshTransport drives password and keyboard-interactive authentication
// against an SSH server, relaying interactive prompts through the auth pipe.
// On success it runs the configured bridge command and exposes the session's
// stdio as the post-login transport.
type sshTransport struct {
	host     string
	port     int
	command  string
	user     string
	password []byte
	pipeFD   *os.File
	logger   *log.Logger

	onResult func(problem string)

	mu            sync.Mutex
	client        *ssh.Client
	session       *ssh.Session
	stdin         io.WriteCloser
	stdout        io.Reader
	closed        bool
	resultSent    bool
	methodResults map[string]string
}

func newSSHTransport(host string, port int, command, user string, password []byte, pipeFD *os.File, logger *log.Logger) *sshTransport {
	return &sshTransport{
		host:     host,
		port:     port,
		command:  command,
		user:     user,
		password: append([]byte(nil), password...),
		pipeFD:   pipeFD,
		logger:   logger,
		methodResults: map[string]string{
			"password": "no-server-support",
		},
	}
}

func (x *sshTransport) start() {
	go x.run()
}

func (x *sshTransport) run() {
	config := &ssh.ClientConfig{
		User: x.user,
		Auth: []ssh.AuthMethod{
			ssh.PasswordCallback(x.passwordCallback),
			ssh.KeyboardInteractive(x.challenge),
		},
		// The loopback host key is not meaningful to verify; remote targets
		// carry their own key policy outside the broker.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	addr := net.JoinHostPort(x.host, strconv.Itoa(x.port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		if x.isClosed() {
			x.result("terminated")
		} else if strings.Contains(err.Error(), "unable to authenticate") {
			x.result("authentication-failed")
		} else {
			x.result(err.Error())
		}
		return
	}

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		client.Close()
		x.result("terminated")
		return
	}
	x.client = client
	x.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		x.result("internal-error: " + err.Error())
		return
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		x.result("internal-error: " + err.Error())
		return
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		x.result("internal-error: " + err.Error())
		return
	}
	if err := session.Start(x.command); err != nil {
		x.result("internal-error: " + err.Error())
		return
	}

	x.mu.Lock()
	x.session = session
	x.stdin = stdin
	x.stdout = stdout
	x.mu.Unlock()

	x.result("")
}

func (x *sshTransport) passwordCallback() (string, error) {
	x.mu.Lock()
	x.methodResults["password"] = "denied"
	x.mu.Unlock()
	return string(x.password), nil
}

// challenge relays keyboard-interactive questions over the auth pipe and
// blocks until the client answers through the resume path.
func (x *sshTransport) challenge(user, instruction string, questions []string, echos []bool) ([]string, error) {
	answers := make([]string, len(questions))
	for i, question := range questions {
		frame := []byte(`{}`)
		frame, _ = sjson.SetBytes(frame, "prompt", question)
		frame, _ = sjson.SetBytes(frame, "echo", echos[i])
		if _, err := x.pipeFD.Write(frame); err != nil {
			return nil, err
		}
		buf := make([]byte, authPipeMaxFrame)
		n, err := x.pipeFD.Read(buf)
		if err != nil {
			return nil, err
		}
		answers[i] = string(buf[:n])
	}
	return answers, nil
}

func (x *sshTransport) MethodResults() map[string]string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := map[string]string{}
	for k, v := range x.methodResults {
		out[k] = v
	}
	return out
}

func (x *sshTransport) result(problem string) {
	x.mu.Lock()
	if x.resultSent {
		x.mu.Unlock()
		return
	}
	x.resultSent = true
	cb := x.onResult
	x.mu.Unlock()
	if cb != nil {
		cb(problem)
	}
}

func (x *sshTransport) isClosed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

func (x *sshTransport) Read(p []byte) (int, error) {
	x.mu.Lock()
	stdout := x.stdout
	x.mu.Unlock()
	if stdout == nil {
		return 0, io.EOF
	}
	return stdout.Read(p)
}

func (x *sshTransport) Write(p []byte) (int, error) {
	x.mu.Lock()
	stdin := x.stdin
	x.mu.Unlock()
	if stdin == nil {
		return 0, io.ErrClosedPipe
	}
	return stdin.Write(p)
}

func (x *sshTransport) Close(reason string) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	session := x.session
	client := x.client
	x.mu.Unlock()

	if reason != "" {
		x.logger.Infof("closing ssh transport: %v", reason)
	}
	if session != nil {
		session.Close()
	}
	if client != nil {
		client.Close()
	}
	x.pipeFD.Close()
	wipeBytes(x.password)
}
