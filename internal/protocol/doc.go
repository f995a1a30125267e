// Package protocol defines the three wire messages exchanged between client
// stubs and the dispatcher (Request, Response, Abort), the fetch status and
// error code enumerations, and the JSON codec used on the IPC channel.
// Record is the fixed schema shared verbatim by the wire Response and the
// persisted cache index, so a terminal Complete response can seed an index
// entry without any field translation.
package protocol
