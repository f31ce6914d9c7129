package encryption

import "errors"

// ErrDecryption is the sentinel matched by every *DecryptionError.
var ErrDecryption = errors.New("decryption failed")

// DecryptionError reports that a ciphertext could not be authenticated or
// decoded. It usually means the encryption key was rotated or the stored
// value was corrupted; neither is recoverable by retrying.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return "decryption failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDecryption) true for any *DecryptionError.
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}

// IsDecryptionError reports whether err is or wraps a *DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}
