package keys

// Persister stores key material. Each call is applied durably before the
// Store reports success; a nil Persister keeps everything in memory.
type Persister interface {
	LoadKeys() (*Snapshot, error)
	SaveIdentity(Identity) error
	SaveSignedPreKey(SignedPreKey) error
	DeleteSignedPreKey(id uint32) error
	// SaveOneTimePreKeys stores new keys together with the next id to allocate.
	SaveOneTimePreKeys(keys []OneTimePreKey, nextID uint32) error
	DeleteOneTimePreKey(id uint32) error
}

// Snapshot is the full persisted key state. Identity is nil when the device
// has not been initialized.
type Snapshot struct {
	Identity       *Identity
	SignedPreKeys  []SignedPreKey
	OneTimePreKeys []OneTimePreKey
	NextPreKeyID   uint32
}
