// Package inventory allocates stock from lots.
//
// The Allocator consumes lots in FEFO order (first expired, first out) or
// FIFO order, reserving stock under an allocation that is later confirmed
// as a stock exit, released, or reversed. Reservations that are never
// confirmed expire and are released by the reaper.
//
// Lots live behind the Store interface. MemoryStore serves a single
// process; MySQLStore uses conditional updates so several processes can
// allocate from the same lots without overselling.
//
// Register wires the allocator to a bus:
//
//	stock.allocation.requested    -> stock.allocated | stock.allocation.failed
//	stock.release.requested       -> stock.released
//	stock.exit.requested          -> stock.exit.recorded | stock.exit.failed
//	stock.exit.reversal.requested -> stock.exit.reversed
package inventory
