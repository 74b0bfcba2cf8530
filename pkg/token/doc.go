// Package token mints and verifies the controller's three token kinds
// (build, worker, VM). Every token is a crypto/rand opaque string with
// at least 192 bits of entropy, compared in constant time, and bound
// to exactly one subject. It generalizes the manager's join-token
// generator (random bytes, hex-encode) to three disjoint audiences
// instead of one, and adds constant-time verification and an OTP
// generator. Worker-token rotation (pkg/dispatcher) and the one-shot
// OTP exchange (pkg/lifecycle) are built on these helpers.
package token
