package authbroker

import (
	"fmt"
	"net"
	"net/http"
)

// HttpHandlerPrelude resolves the session for a request: a valid cookie wins,
// otherwise a full login is attempted. If this returns a non-nil error, the
// response headers may already carry a challenge; send the body and status
// with HttpSendLoginError.
func HttpHandlerPrelude(broker *Broker, w http.ResponseWriter, r *http.Request) (*WebService, []byte, error) {
	if service := broker.CheckCookie(r.URL.Path, r.Header); service != nil {
		return service, nil, nil
	}
	body, err := broker.Login(r.URL.Path, r.Header, w.Header(), RemotePeer(r), 0)
	if err != nil {
		return nil, body, err
	}
	return broker.CheckCookie(r.URL.Path, http.Header{"Cookie": cookieHeaderFromSetCookie(w.Header())}), body, nil
}

// cookieHeaderFromSetCookie turns the Set-Cookie we just emitted into a
// Cookie header, so the prelude can hand back the freshly created session
// without waiting for the client's next request.
func cookieHeaderFromSetCookie(h http.Header) []string {
	response := http.Response{Header: h}
	cookies := response.Cookies()
	out := make([]string, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, c.Name+"="+c.Value)
	}
	return out
}

// RemotePeer extracts the peer address of a request, without the port.
func RemotePeer(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HttpSendLoginError maps a login error onto an HTTP response. Only the safe
// public message is sent; anything richer stays in the local log.
func HttpSendLoginError(w http.ResponseWriter, body []byte, err error) {
	switch {
	case IsLoginReplyNeeded(err):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write(body)
	case IsPermissionDenied(err):
		HttpSendTxt(w, http.StatusForbidden, ErrPermissionDenied.Error())
	case IsAuthenticationFailed(err):
		HttpSendTxt(w, http.StatusUnauthorized, ErrAuthenticationFailed.Error())
	case IsInvalidData(err):
		HttpSendTxt(w, http.StatusBadRequest, ErrInvalidData.Error())
	case isCategory(err, ErrConnectionClosed):
		HttpSendTxt(w, http.StatusServiceUnavailable, ErrConnectionClosed.Error())
	default:
		HttpSendTxt(w, http.StatusInternalServerError, ErrInternalFailure.Error())
	}
}

func HttpSendTxt(w http.ResponseWriter, responseCode int, responseBody string) {
	w.Header().Add("Content-Type", "text/plain")
	w.Header().Add("Cache-Control", "no-cache, no-store, must revalidate")
	w.Header().Add("Pragma", "no-cache")
	w.Header().Add("Expires", "0")
	w.WriteHeader(responseCode)
	fmt.Fprintf(w, "%v", responseBody)
}

// HttpHandlerLogin is the login entry point: authenticate, and on success
// send the session JSON (the cookie is already on the response headers).
func HttpHandlerLogin(broker *Broker, w http.ResponseWriter, r *http.Request) {
	body, err := broker.Login(r.URL.Path, r.Header, w.Header(), RemotePeer(r), 0)
	if err != nil {
		HttpSendLoginError(w, body, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
