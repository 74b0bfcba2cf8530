// Package certbundle parses a submitter's cert zip (p12, optional
// password.txt, provisioning profiles) and composes the secure bundle
// handed to a build's ephemeral VM: the p12 payload, its password, a
// fresh per-build keychain password, and the profiles, all base64
// except the keychain password which the VM consumes as plain text.
// The keychain password is generated, never persisted — the VM is its
// only consumer and the VM does not survive the build.
package certbundle
