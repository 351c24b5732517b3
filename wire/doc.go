// Package wire defines the messages exchanged between an auth plugin host and
// an auth plugin process.
//
// Every message is a single JSON object on its own line. The plugin speaks
// first with a Greeting; afterwards the host sends one Request at a time and
// the plugin answers each with exactly one Result, which carries either the
// action's success payload ("Ok") or an Error ("Err"). Field and tag names are
// kebab-case. Binary fields are standard base64 strings.
package wire

// ProtocolVersion is the only protocol version this package speaks.
const ProtocolVersion uint32 = 1

// MarkerFlag is the command-line argument that starts a plugin binary in
// protocol mode instead of its ordinary command-line behavior.
const MarkerFlag = "--ic-auth-plugin"
