package flash

// Region is a writable storage area addressed from its own offset 0
type Region interface {
	// Size is the capacity of the region in bytes
	Size() int64

	// Erase resets length bytes starting at offset to the erased state
	Erase(offset, length int64) error

	// Write stores p at offset, which must have been erased before
	Write(offset int64, p []byte) error
}
