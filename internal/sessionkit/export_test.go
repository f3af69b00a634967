package sessionkit

import "time"

// WriteRawRecordForTest stores value under hashedToken without indexing it.
func (store *MemoryRefreshTokenStore) WriteRawRecordForTest(hashedToken string, value string, expiresAt time.Time) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.records[hashedToken] = memoryRecord{Value: value, ExpiresAt: expiresAt}
}
