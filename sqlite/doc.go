// Package sqlite wraps a single SQLite connection running in WAL mode with
// a fair, reentrant shared/exclusive lock, and optionally attaches a snapshot
// engine which continuously captures the database into a snapshot directory.
//
// # Locking
//
// Statements which may write (or, while a checkpoint is stalled on busy
// readers, all statements) hold a shared lock for their lifetime. Transactions
// and checkpoints hold the exclusive lock. Reentrancy is keyed on an owner
// carried by the context.Context passed to Transaction: calls made with that
// context from within the transaction callback are nested in the transaction.
// Calls made within a transaction callback with an unrelated context will
// deadlock.
//
// # Snapshots
//
// An attached engine tails committed write-ahead log frames into the open
// chunk of its current generation, and on each Checkpoint rotates the chunk
// by truncating the WAL and appending a frame to the generation's index. A new
// generation, beginning with a full image of the database file, is started on
// the first Checkpoint, after any failure, and thereafter upon a configured
// delay. See package snapshot for the on-disk format.
//
// Automatic checkpoints are disabled on the connection: the WAL is only ever
// folded into the database by explicit calls to Checkpoint.
package sqlite
