// Package dispatch owns the registry of per-key workers.
//
// A single control loop receives every message: submissions from the RPC
// boundary, chain continuations and CLEAN notices from workers, and
// STATS/STATUS queries. Only that loop reads or writes the registry, so no
// locking is involved.
//
// Routing rules:
//   - RUN/CONT: the job is rewritten by the filter and the result is the
//     key. A worker is started if the key has none or its worker exited.
//     The message is enqueued when the worker's queue is empty; otherwise it
//     is enqueued as CONT if later jobs in its chain remain, and dropped if
//     not (collapse on burst).
//   - KILL: cancels the workers keyed by each listed job, raw and filtered.
//   - CLEAN: forgets every worker that has exited.
//   - STATS/STATUS: replies exactly once on the query's channel.
//
// Workers are cancelled when the loop's context ends; their child processes
// are terminated with SIGTERM, then SIGKILL after a 5s grace period.
package dispatch
