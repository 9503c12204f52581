package booking

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/spediresicuro/anne/internal/draft"
)

// DefaultWindow is the idempotency time window.
const DefaultWindow = 10 * time.Minute

// IdempotencyKey derives the key of a booking attempt. The same user,
// workspace, draft and option inside one window always yield the same key.
func IdempotencyKey(userID, workspaceID string, d draft.Draft, optionID string, at time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultWindow
	}
	canonical, _ := json.Marshal(draft.Normalize(d))
	bucket := at.UTC().Truncate(window).Unix()

	h, _ := blake2b.New256(nil)
	for _, part := range [][]byte{
		[]byte(userID),
		[]byte(workspaceID),
		canonical,
		[]byte(optionID),
		[]byte(strconv.FormatInt(bucket, 10)),
	} {
		h.Write(part)
		h.Write([]byte{'|'})
	}
	return "bk_" + hex.EncodeToString(h.Sum(nil))
}
