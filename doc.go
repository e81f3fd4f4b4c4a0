/*
Package authbroker is the authentication broker of a web-based
system-administration gateway. It stands between unauthenticated HTTP
requests and long-lived authenticated sessions.

The broker consumes Authorization headers (Basic, Negotiate and an
interactive challenge-response scheme), drives an external helper — a login
subprocess or an SSH transport — that performs the actual credential
verification, and on success mints a session cookie bound to an in-memory
session object.

The pieces that come together here:

	Login drivers		Spawn a helper, log in over SSH, or refuse.
	Auth pipe		A framed side channel to the helper, on fd 3.
	Conversation		One in-flight login attempt, across client rounds.
	Session table		Cookie to session, reaped by idle timers.
	Admission throttle	sshd-style begin:rate:max drop policy.

Credential verification itself is never implemented here; the broker
orchestrates helpers and owns the resulting sessions. Sessions live only in
memory and die with the process.
*/
package authbroker
