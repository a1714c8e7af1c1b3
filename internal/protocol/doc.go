// Package protocol owns the ABX wire contract and its shared error vocabulary.
//
// Ownership boundary:
// - request/record layout (wire)
// - sequence gap detection and merge (gap)
// - connection and session lifecycle (session)
package protocol
