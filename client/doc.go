// Package client drives an auth plugin from the host side.
//
// A Client owns one plugin session: it reads the plugin's greeting, then
// issues one request at a time and waits for its result. Concurrent callers
// are serialized; two requests never share the pipe.
//
// Errors come in two tiers. A *SessionError (or ErrIncompatible during the
// handshake) is a transport fault: the session is dead and every later call
// returns the same fault. A *wire.Error is an application fault returned by a
// healthy plugin; the session stays usable and the caller may retry, for
// example with a corrected PIN.
package client
