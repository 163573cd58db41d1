package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"dreambooth-backend/internal/buckets"
	"dreambooth-backend/internal/storage"
)

// Fingerprint identifies an enumerated image list together with the bucket
// set, the resolution it was measured at and the asset policy it was built
// under. target 0 means raw dimensions. Each file contributes its size,
// modification time and ETag, so an image rewritten in place changes the key.
func Fingerprint(files []storage.FileEntry, order []float64, target int, policy buckets.AssetPolicy) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(target)))
	h.Write([]byte{2})
	h.Write([]byte(strconv.Itoa(int(policy))))
	for _, b := range order {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatFloat(b, 'g', -1, 64)))
	}
	for _, f := range files {
		h.Write([]byte{1})
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(f.Size, 10)))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(f.ModTime.UnixNano(), 10)))
		h.Write([]byte{0})
		h.Write([]byte(f.ETag))
	}
	return hex.EncodeToString(h.Sum(nil))
}
