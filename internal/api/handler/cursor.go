package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/api/storage"
)

// DecodeJobCursor parses a cursor produced by EncodeJobCursor. An empty string means the first page.
func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	stamp, jobID, ok := strings.Cut(string(decoded), "|")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	createdAt, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at in cursor: %w", err)
	}

	return &storage.JobCursor{CreatedAt: createdAt, JobID: jobID}, nil
}

// EncodeJobCursor points the next page just past cursor's record
func EncodeJobCursor(cursor *storage.JobCursor) string {
	stamp := cursor.CreatedAt.UTC().Format(time.RFC3339Nano)
	return base64.RawURLEncoding.EncodeToString([]byte(stamp + "|" + cursor.JobID))
}
