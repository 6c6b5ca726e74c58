// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// GRPCRequest caps the time allowed for a single gRPC request such as a
// health probe or admin call from the operator CLI.
const GRPCRequest = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// EngineCall bounds a single translation engine request.
const EngineCall = 10 * time.Second

// FanoutDrain limits how long the gateway waits for in-flight translations
// when stopping.
const FanoutDrain = 15 * time.Second

// WSWrite bounds a single websocket frame write to a slow client.
const WSWrite = 5 * time.Second
