package util

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString generates a hash value for a string with a seed
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution.
// It is used to derive numeric node ids from human readable names (e.g. 'node-1').
func HashString(s string, seed uint64) uint64 {

	// FNV-1a hash with seed incorporation
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed

	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}

	return hash
}

// NodeID converts a node name into the numeric id used by the consensus engine.
// Names that are already numeric are used verbatim, so '1' stays 1.
func NodeID(name string) uint64 {
	var id uint64
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < '0' || c > '9' {
			return HashString(name, 0)
		}
		id = id*10 + uint64(c-'0')
	}
	if id == 0 {
		return HashString(name, 0)
	}
	return id
}
