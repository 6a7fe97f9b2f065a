// Datagram transport for sensor telemetry.
//
// One UDP datagram carries exactly one JSON message, see package tele.
// Conn does not retry, reorder or deduplicate, reliability is built on top
// by sequence numbers and acknowledgements.
//
// UDP has no connection, so Connected() is a local heuristic: the link is
// considered down for LinkRecheck after a failed send.
package telenet
