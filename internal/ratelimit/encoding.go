package ratelimit

import (
	"fmt"
	"time"
)

func encodeKey(workerID, model string) []byte {
	return []byte(workerID + "\x00" + model)
}

func encodeValue(expiresAt time.Time) []byte {
	return []byte(expiresAt.Format(time.RFC3339Nano))
}

func decodeEntry(k, v []byte) (workerID, model string, expiresAt time.Time, err error) {
	raw := string(k)
	for i := 0; i < len(raw); i++ {
		if raw[i] == 0 {
			workerID, model = raw[:i], raw[i+1:]
			break
		}
	}
	if workerID == "" && model == "" {
		return "", "", time.Time{}, fmt.Errorf("ratelimit: malformed key %q", raw)
	}
	expiresAt, err = time.Parse(time.RFC3339Nano, string(v))
	return workerID, model, expiresAt, err
}
