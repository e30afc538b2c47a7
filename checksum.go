package mountkit

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ContentETag returns a strong ETag derived from the bytes themselves.
func ContentETag(data []byte) string {
	return fmt.Sprintf("\"%016x\"", xxhash.Sum64(data))
}

// StatETag returns a weak ETag derived from identity, size and modification
// time, for content too large or too remote to hash.
func StatETag(identity string, size int64, modTime time.Time) string {
	d := xxhash.New()
	_, _ = d.WriteString(identity)
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(size))
	binary.LittleEndian.PutUint64(buf[8:], uint64(modTime.UnixNano()))
	_, _ = d.Write(buf[:])
	return fmt.Sprintf("W/\"%016x\"", d.Sum64())
}

// ReaderETag hashes everything r yields into a strong ETag.
func ReaderETag(r io.Reader) (string, error) {
	d := xxhash.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return fmt.Sprintf("\"%016x\"", d.Sum64()), nil
}
