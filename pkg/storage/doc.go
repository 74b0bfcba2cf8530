/*
Package storage is the Metadata Store: embedded, transactional persistence
for Build, Worker, BuildLog, CpuSnapshot, and TelemetryEvent records,
backed by BoltDB (bbolt).

bbolt allows only one read-write transaction at a time across the whole
process. That single-writer property is what this package leans on to
give the dispatcher's claim algorithm row-locking semantics equivalent to
SELECT ... FOR UPDATE SKIP LOCKED without a real SQL engine: any sequence
of reads and writes performed inside one Store.Update call is atomic with
respect to every other Update call, pending or in flight.

	┌──────────────── METADATA STORE ────────────────┐
	│                                                  │
	│   Store.Update(func(tx Tx) error {               │
	│       build, ok := tx.SelectOldestPendingForUpdate()
	│       ... mutate build, worker ...              │
	│       tx.PutBuild(build); tx.PutWorker(worker)  │
	│   })  <- one bbolt write transaction, serialized │
	│          against every other Update call         │
	│                                                  │
	└──────────────────────────────────────────────────┘

Builds, workers, logs, CPU snapshots, and telemetry each live in their
own bucket; log/telemetry/snapshot keys are built so that a prefix cursor
scan yields entries in submission order per build.
*/
package storage
