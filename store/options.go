package store

// Option tunes a Store at construction.
type Option func(*storeSettings)

// storeSettings collects what the Options set.
type storeSettings struct {
	dataKey string
}

// WithDataKey turns on at-rest encryption of the connection token
// columns. Stores built without a key keep tokens plaintext, which is
// how local sqlite runs operate.
func WithDataKey(key string) Option {
	return func(s *storeSettings) {
		s.dataKey = key
	}
}
