// Package lockkey maps logical resource identifiers to 32-bit advisory lock
// ids. Two processes that serialize on "the same" logical resource must compute
// the same integer, so the hash is fixed (FNV-1a) and must never change.
// Collisions between unrelated keys only add false contention, which is
// harmless; a missed collision would not be.
package lockkey

const (
	fnvOffsetBasis uint32 = 2166136261
	fnvPrime       uint32 = 16777619
)

// Hash returns the FNV-1a hash of key wrapped into the signed 32-bit range.
func Hash(key string) int32 {
	h := fnvOffsetBasis
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime
	}
	return int32(h)
}

// SessionAppend returns the lock id guarding a session's append stream.
func SessionAppend(sessionID string) int32 {
	return Hash("session:" + sessionID + ":append")
}

// BookingSlot returns the lock id guarding a tenant's calendar date.
func BookingSlot(tenantID, date string) int32 {
	return Hash("booking:" + tenantID + ":" + date)
}
