// Package lifecycle is the Lifecycle Engine: the only mutator of
// Build.status. It owns submit, heartbeat, complete, fail, retry, and
// cancel, the cert-secrets repackaging step a VM triggers on its first
// fetch, and the OTP-to-VM-token exchange. Every transition that
// writes the Metadata Store runs inside one storage.Store.Update call;
// blob reads happen before that transaction opens, never inside it,
// mirroring the reconciler's read-then-mutate cycle generalized from a
// periodic sweep to a per-request transition.
package lifecycle
