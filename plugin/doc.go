// Package plugin implements the plugin side of the auth plugin protocol.
//
// A Server greets the host, walks it through key selection and
// authentication, then answers signing requests from its KeyHolder:
//
//	Start -> PreAuth -> Authenticated -> end of input
//
// A host that sends a request outside its phase, or anything that does not
// decode as a version 1 request, ends the session; the plugin does not try to
// resynchronize.
package plugin
