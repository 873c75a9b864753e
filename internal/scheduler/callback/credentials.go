package callback

import (
	"encoding/json"
	"mime"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/gin-gonic/gin"
)

var processedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
}

// parseProcessedAt accepts ISO 8601 timestamps, the remote API's plain
// datetime format (UTC) and unix seconds.
func parseProcessedAt(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range processedAtLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}

// tokenField finds the token in the query string, a form body or a JSON body
func tokenField(c *gin.Context, body []byte) string {
	for _, field := range []string{domain.FieldToken, domain.FieldTask} {
		if v := c.Query(field); v != "" {
			return v
		}
	}

	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return ""
		}
		for _, field := range []string{domain.FieldToken, domain.FieldTask} {
			if v := values.Get(field); v != "" {
				return v
			}
		}
	default:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return ""
		}
		for _, field := range []string{domain.FieldToken, domain.FieldTask} {
			var v string
			if err := json.Unmarshal(fields[field], &v); err == nil && v != "" {
				return v
			}
		}
	}
	return ""
}

// uuidOf pulls the envelope id out of a raw body for error responses
func uuidOf(body []byte) string {
	var head struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(body, &head); err != nil || head.UUID == "" {
		return "unknown"
	}
	return head.UUID
}
