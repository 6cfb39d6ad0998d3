// Package pmoltp is a multi-version transactional row store whose durable
// state lives in a memory-mapped file and whose indexes and buffers live in
// volatile DRAM.
//
// A Database owns one PM file, one Catalog, and a pluggable concurrency
// control policy shared by every Table. Transactions are bound to a single
// worker thread through a per-thread log buffer (Txn.thread); no
// transaction crosses threads.
package pmoltp
