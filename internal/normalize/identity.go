package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"t3shield/internal/model"
)

// DayBucket is the calendar day of the incident's event time in loc, or ""
// when the incident has no usable time.
func DayBucket(inc model.Incident, loc *time.Location) string {
	ts := inc.EventTime()
	if ts.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format("2006-01-02")
}

// LocationKey is the batch comparison scope. Mobility keys include the
// student reference.
func LocationKey(inc model.Incident) string {
	parts := []string{
		string(inc.Type),
		fold(inc.Location.Region),
		fold(inc.Location.Province),
		fold(inc.Location.City),
		fold(inc.Location.Center),
		fold(inc.Location.Room),
		fold(inc.Location.Subject),
	}
	if inc.Type == model.CategoryMobility {
		parts = append(parts, fold(inc.StudentRef))
	}
	return strings.Join(parts, "|")
}

// DeriveID builds a stable id for records that arrive without one, so a
// re-fetch of the same event maps to the same identity.
func DeriveID(inc model.Incident, loc *time.Location) string {
	ts := inc.EventTime()
	stamp := ""
	if !ts.IsZero() {
		stamp = ts.UTC().Format(time.RFC3339Nano)
	}
	parts := []string{
		LocationKey(inc),
		DayBucket(inc, loc),
		strconv.Itoa(inc.Batch),
		stamp,
		fold(inc.StudentRef),
		inc.MobilityRefID,
		fold(inc.Operator),
		fold(inc.OperatorAlt),
		fold(inc.CommunicationType),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return string(inc.Type) + "-" + hex.EncodeToString(h[:8])
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
