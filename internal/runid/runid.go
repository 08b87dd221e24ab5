// Package runid generates the short, unique identifier stamped on every
// row a run writes. Grounded on the original Python implementation's
// recorder.py, which uses the current millisecond timestamp; this
// implementation adds eight bytes of crypto/rand so two runs started in
// the same millisecond (a fast restart loop) never collide, without
// pulling in google/uuid for a one-off identifier.
package runid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func New() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}
