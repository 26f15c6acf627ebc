// Package sandbox runs untrusted WebAssembly handlers on wazero.
//
// A Runtime compiles artifacts into Templates, linking them against a fixed
// set of host capabilities exported from the "env" module (plus WASI). A
// Template spawns isolated Instances cheaply. An Instance serves one Call at a
// time; the Call carries the request, collects the response the guest
// announces with env.response_send, and meters the CPU time the guest spends
// running.
package sandbox
