package authbroker

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/ssh"
)

// startTestSSHServer runs a minimal SSH server for the remote login driver
// to talk to. It accepts session channels and acks exec requests, which is
// all the bridge startup needs.
func startTestSSHServer(t *testing.T, config *ssh.ServerConfig) int {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				sconn, chans, reqs, err := ssh.NewServerConn(c, config)
				if err != nil {
					c.Close()
					return
				}
				defer sconn.Close()
				go ssh.DiscardRequests(reqs)
				for newCh := range chans {
					if newCh.ChannelType() != "session" {
						newCh.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					ch, chReqs, err := newCh.Accept()
					if err != nil {
						continue
					}
					go func(requests <-chan *ssh.Request) {
						for req := range requests {
							if req.WantReply {
								req.Reply(req.Type == "exec", nil)
							}
						}
					}(chReqs)
					defer ch.Close()
				}
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func sshBrokerConf(port int) *Config {
	conf := &Config{}
	conf.Reset()
	conf.Set(actionSSH, "host", "127.0.0.1")
	conf.Set(actionSSH, "port", fmt.Sprintf("%v", port))
	conf.Set(actionSSH, "command", "true")
	return conf
}

func newLoopbackBroker(t *testing.T, conf *Config) *Broker {
	t.Helper()
	broker, err := NewBroker(conf, "", true)
	require.NoError(t, err)
	t.Cleanup(broker.Close)
	return broker
}

func TestRemoteLoginSuccess(t *testing.T) {
	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == "alice" && string(password) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	port := startTestSSHServer(t, config)
	broker := newLoopbackBroker(t, sshBrokerConf(port))

	out := http.Header{}
	body, err := broker.Login("/", loginHeaders(basicAuth("alice", "secret")), out, "10.0.0.9", 0)
	require.NoError(t, err)
	assert.Equal(t, "alice", gjson.GetBytes(body, "user").String())
	assert.NotEmpty(t, gjson.GetBytes(body, "csrf-token").String())
	assert.NotEmpty(t, out.Get("Set-Cookie"))

	service := broker.CheckCookie("/", cookieHeadersFromResponse(t, out))
	require.NotNil(t, service)
	assert.NotNil(t, service.Transport())
	assert.Equal(t, "10.0.0.9", service.Credentials().RemotePeer)
	assert.Equal(t, 0, inFlight(broker))
}

func TestRemoteLoginBadPassword(t *testing.T) {
	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, fmt.Errorf("denied")
		},
	}
	port := startTestSSHServer(t, config)
	broker := newLoopbackBroker(t, sshBrokerConf(port))

	_, err := broker.Login("/", loginHeaders(basicAuth("alice", "wrong")), http.Header{}, "", 0)
	require.Error(t, err)
	assert.True(t, IsAuthenticationFailed(err))
	// The server did check a password, so this is a plain failure
	assert.NotContains(t, err.Error(), "not-supported")
}

func TestRemoteLoginNoPasswordSupport(t *testing.T) {
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, fmt.Errorf("denied")
		},
	}
	port := startTestSSHServer(t, config)
	broker := newLoopbackBroker(t, sshBrokerConf(port))

	_, err := broker.Login("/", loginHeaders(basicAuth("alice", "secret")), http.Header{}, "", 0)
	require.Error(t, err)
	assert.True(t, IsAuthenticationFailed(err))
	assert.Contains(t, err.Error(), "authentication-not-supported")
}

func TestRemoteLoginConnectFailure(t *testing.T) {
	// Grab a port and close it again, so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	broker := newLoopbackBroker(t, sshBrokerConf(port))

	_, err = broker.Login("/", loginHeaders(basicAuth("alice", "secret")), http.Header{}, "", 0)
	require.Error(t, err)
	assert.True(t, IsInternalFailure(err))
	assert.Contains(t, err.Error(), "Couldn't connect or authenticate")
}

func TestRemoteLoginRequiresBasic(t *testing.T) {
	conf := sshBrokerConf(2222)
	conf.Set("negotiate", "action", actionSSH)
	broker := newTestBroker(t, conf)

	_, err := broker.Login("/", loginHeaders("Negotiate dG9rZW4="), http.Header{}, "", 0)
	require.Error(t, err)
	assert.True(t, IsAuthenticationFailed(err))
	assert.Contains(t, err.Error(), "Basic authentication required")
}

func TestRemoteLoginKeyboardInteractive(t *testing.T) {
	config := &ssh.ServerConfig{
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client("", "", []string{"PIN?"}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 1 && answers[0] == "1234" {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	port := startTestSSHServer(t, config)
	broker := newLoopbackBroker(t, sshBrokerConf(port))

	// Round one: the server's question surfaces as an X-Login-Reply challenge
	out := http.Header{}
	body, err := broker.Login("/", loginHeaders(basicAuth("alice", "whatever")), out, "", 0)
	require.Error(t, err)
	require.True(t, IsLoginReplyNeeded(err), "got %v", err)

	challenge := strings.Fields(out.Get("WWW-Authenticate"))
	require.Len(t, challenge, 3)
	assert.Equal(t, "X-Login-Reply", challenge[0])
	prompt, decodeErr := base64.StdEncoding.DecodeString(challenge[2])
	require.NoError(t, decodeErr)
	assert.Equal(t, "PIN?", string(prompt))
	assert.False(t, gjson.GetBytes(body, "prompt").Exists())

	// Round two: the PIN goes back through the conversation
	answer := base64.StdEncoding.EncodeToString([]byte("1234"))
	out = http.Header{}
	body, err = broker.Login("/", loginHeaders("X-Login-Reply "+challenge[1]+" "+answer), out, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "alice", gjson.GetBytes(body, "user").String())
	assert.NotEmpty(t, out.Get("Set-Cookie"))

	broker.mu.Lock()
	assert.Empty(t, broker.pending)
	broker.mu.Unlock()
}

func TestClassifySSHProblem(t *testing.T) {
	assert.Nil(t, classifySSHProblem("", nil))

	err := classifySSHProblem("authentication-failed", map[string]string{"password": "denied"})
	assert.Equal(t, ErrAuthenticationFailed, err)

	err = classifySSHProblem("authentication-failed", map[string]string{"password": "no-server-support"})
	assert.Contains(t, err.Error(), "authentication-not-supported")

	err = classifySSHProblem("authentication-failed", map[string]string{})
	assert.Contains(t, err.Error(), "authentication-not-supported")

	err = classifySSHProblem("terminated", nil)
	assert.True(t, IsAuthenticationFailed(err))
	assert.Contains(t, err.Error(), "terminated")

	err = classifySSHProblem("dial tcp: connection refused", nil)
	assert.True(t, IsInternalFailure(err))
}
