// Package mesh owns the peer service layer that runs over a Transport.
//
// Ownership boundary:
// - peer liveness and service advertisements (registry)
// - request/response correlation with deadlines (rpc)
// - ping/pong round-trip estimation (latency)
// - chunked stream reassembly and adaptive sending (stream, transfer)
//
// Concurrency:
// - every table is owned by one *Mesh and guarded by its single mutex.
// - transport sends and user callbacks never run under that mutex.
// - timeouts are the only cancellation path besides context and Close.
//
// Delivery from the Transport may be lossy, duplicated, and reordered.
package mesh
