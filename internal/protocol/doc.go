// Package protocol owns the wsmux wire contract.
//
// Ownership boundary:
// - Message envelope (request/response/push) and error payloads
// - Value, the closed argument/result variant
// - JSON and binary codecs (binary built on frame/tlv/schema)
package protocol
