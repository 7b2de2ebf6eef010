/*
Package fragbench measures storage fragmentation of record stores.

A run seeds a store with equally sized records, takes a baseline size
snapshot, then repeatedly picks a random record and shrinks it, and finally
compares a second snapshot against the baseline.

There are two ways to shrink a record:

1. Replace: delete the record and create a smaller one. The store keeps a
tombstone for the deleted record.

2. Reuse: clear the record's properties and write the smaller payload into
the same record.

The new size comes from a Reduction: multiplicative (ceil(size × factor))
or subtractive (max(1, size − step)).

# Measurement

A Probe lists the files directly under the storage location and classifies
them by extension into primary data, secondary (position) data, log and
other. The write-ahead log directory is measured separately. Log bytes are
excluded from the total.

The report adjusts the final total by the expected tombstone overhead
(deleted records × tombstone bytes) and divides by the initial total to get
the fragmentation factor.

# Stores

BoltStore keeps records in a Bolt file (<name>.pcl) and appends every
committed transaction to a journal. SQLiteStore uses an SQLite database in
WAL mode. MemStore is an in-memory store for tests.

## Binary encoding

**Record value**: value header, then body.

**Value header**:
1. Flags (uvarint): format version in bits 0-3, compression codec in bits 4-6.
2. Raw body size (uvarint).

**Body**: msgpack of {type tag, properties}, compressed if the codec is set.
Values that don't get smaller are stored uncompressed.

**Position entry** (Bolt): state byte (live or tombstone), version
(uvarint), value size (uvarint). Deleted records keep a tombstone entry.
*/
package fragbench
