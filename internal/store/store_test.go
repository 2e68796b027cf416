package store

// Compile-time check that SQLiteStore satisfies Store.
var _ Store = (*SQLiteStore)(nil)
