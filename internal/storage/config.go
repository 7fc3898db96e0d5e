package storage

// Config holds the connection settings of one storage backend. Records are
// owned by the admin CRUD layer; the core reads them, never mutates them.
type Config struct {
	ID        int64
	Name      string
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// PathPrefix scopes all keys of this config under a bucket subtree.
	PathPrefix string
	UseSSL     bool
	// Capacity in bytes; 0 means unlimited. Enforced by the admin layer.
	Capacity int64
}
