package signing

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestCredentials are the three values a digest-mode callback carries in its headers
type DigestCredentials struct {
	JobID       string
	ProcessedAt string
	Digest      string
}

// Digest returns hex(HMAC-SHA512(key, "{jobID}:{processedAt}:{body}"))
func Digest(key, jobID, processedAt string, body []byte) string {
	return hex.EncodeToString(mac(key, jobID, processedAt, body))
}

// VerifyDigest checks creds against every candidate key in order and
// returns the index of the first key that matches.
func VerifyDigest(creds DigestCredentials, body []byte, keys KeySet) (int, error) {
	if len(keys) == 0 {
		return -1, verificationError(NoMatchingKey, fmt.Errorf("no candidate keys"))
	}

	given, err := hex.DecodeString(strings.TrimSpace(creds.Digest))
	if err != nil || len(given) != sha512.Size {
		return -1, verificationError(Malformed, fmt.Errorf("digest is not a hex encoded sha512 mac"))
	}

	for i, key := range keys {
		if hmac.Equal(given, mac(key, creds.JobID, creds.ProcessedAt, body)) {
			return i, nil
		}
	}
	return -1, verificationError(NoMatchingKey, nil)
}

func mac(key, jobID, processedAt string, body []byte) []byte {
	h := hmac.New(sha512.New, []byte(key))
	h.Write([]byte(jobID))
	h.Write([]byte{':'})
	h.Write([]byte(processedAt))
	h.Write([]byte{':'})
	h.Write(body)
	return h.Sum(nil)
}
