package trust

import "errors"

var (
	// ErrStoreTampered means the integrity signature of the on-disk store
	// did not match its contents.
	ErrStoreTampered = errors.New("trust: store integrity check failed")

	// ErrKeyPairExists guards against regenerating keys for a credential
	// set that already holds a key pair.
	ErrKeyPairExists = errors.New("trust: key pair already exists")

	// ErrNoKeyPair is returned by operations that require a private key
	// before one has been generated.
	ErrNoKeyPair = errors.New("trust: no private key")

	// ErrBadPassword covers decryption failures that are most likely a
	// wrong store password rather than corruption.
	ErrBadPassword = errors.New("trust: cannot decrypt store")

	ErrUnsupportedAlgorithm = errors.New("trust: unsupported algorithm")
)
