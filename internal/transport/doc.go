// Package transport carries wire messages between sessions and the tempo
// authority.
//
// Three pieces live here:
//
//   - Authority: the server side. It owns the shared tempo map, accepts or
//     drops start/stop/tempo proposals, echoes RTT probes, validates clients
//     and relays drum hits with their grid distance.
//   - Hub: an in-process network. Endpoints satisfy engine.Transport and
//     deliver O2lite frames to the Authority after a fixed latency, on any
//     Clock/Timer pair. Simulations and scenario tests run on it.
//   - Server and Client: the same Authority behind a WebSocket endpoint
//     (gorilla/websocket), and the client side of it with its own clock
//     synchronization.
package transport
