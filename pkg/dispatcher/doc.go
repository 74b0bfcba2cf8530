// Package dispatcher assigns the oldest pending build to exactly one
// polling worker. Enqueue/Claim/Release never hold a durable "queue"
// of record — the Metadata Store is that source of truth — they
// maintain an in-memory depth hint for the health/stats endpoints and
// run the claim algorithm (verify worker idle, select oldest pending
// under a row lock, assign, rotate the worker's token, mint an OTP)
// inside one storage.Store.Update transaction, the same shape as the
// scheduler's periodic assignment loop generalized to on-demand polls.
package dispatcher
