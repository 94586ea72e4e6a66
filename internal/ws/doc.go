// Package ws provides the live chat websocket: connection handling and
// routing of chat frames to the session manager.
//
// The package implements:
//   - Client: one websocket connection, bound to at most one session
//   - Hub: tracks every open client so shutdown can close them
//   - Handler: upgrades connections and dispatches connect, message,
//     interrupt, set_model, disconnect and ping frames
//   - Service: wires a Hub and Handler to a session manager
//
// Key behaviours:
//   - Replay then live: a connecting client first receives the session's
//     buffered messages, then a connection notice, then live output
//   - Disconnecting never interrupts a running turn
//   - Replay waits for the write pump instead of dropping, so a buffer
//     larger than the send queue still reaches the client
//   - A client whose send queue overflows on live output is dropped; other
//     clients of the same session are unaffected
package ws
