package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"t3shield/internal/model"
)

// Feed names the upstream collection a record was fetched from. It decides
// the category when the record itself carries no usable type.
type Feed string

const (
	FeedGeneral  Feed = "analyses"
	FeedMobility Feed = "mobility_analyses"
	FeedVerified Feed = "verified_analyses"
)

var Feeds = []Feed{FeedGeneral, FeedMobility, FeedVerified}

func (f Feed) Category() model.Category {
	switch f {
	case FeedMobility:
		return model.CategoryMobility
	case FeedVerified:
		return model.CategoryVerified
	}
	return model.CategoryGeneral
}

// Incident decodes one upstream record. Missing fields stay empty, a bad
// batch becomes 1 and an unparsable time stays zero: the record is kept.
func Incident(fields Fields, feed Feed, loc *time.Location) model.Incident {
	if loc == nil {
		loc = time.UTC
	}
	inc := model.Incident{
		ID:            fields.First("id"),
		Type:          ParseType(fields, feed),
		MobilityRefID: fields.First("id_analyse_mobilite", "mobility_ref_id", "mobilityrefid", "analyse_mobilite_id"),
		Batch:         ParseBatch(fields.First("batch")),
		Location: model.Location{
			Region:   fields.First("aref", "region", "region_name"),
			Province: fields.First("dp", "province", "province_name"),
			City:     fields.First("ville", "city", "city_name"),
			Center:   fields.First("lycee", "center", "centre", "center_name"),
			Room:     fields.First("salle", "room"),
			Subject:  fields.First("matiere", "subject"),
		},
		StudentRef:        fields.First("cne", "student_ref", "studentref"),
		Operator:          fields.First("operateur"),
		OperatorAlt:       fields.First("operator"),
		CommunicationType: fields.First("type_communication", "communication_type", "communicationtype"),
		Verifier:          fields.First("verificateur_name", "verifier", "verified_by"),
	}
	inc.Timestamp = parseOrZero(fields.First("timestamp", "date", "created_at"), loc)
	inc.Date = parseOrZero(fields.First("date", "timestamp", "created_at"), loc)
	inc.VerifiedAt = parseOrZero(fields.First("verification_timestamp", "verified_at"), loc)
	if inc.Type.IsVerification() && inc.MobilityRefID == "" && feed == FeedVerified {
		// Older verification rows only carry the mobility analysis id.
		inc.MobilityRefID = fields.First("analyse_id")
	}
	if inc.ID == "" {
		inc.ID = DeriveID(inc, loc)
	}
	return inc
}

// ParseType reads the category from an explicit verification action first,
// then from the record type, then from the feed.
func ParseType(fields Fields, feed Feed) model.Category {
	switch strings.ToLower(fields.First("action", "verification_action", "status")) {
	case "confirm", "confirmed", "verify", "verified":
		return model.CategoryVerified
	case "deny", "denied", "reject", "rejected":
		return model.CategoryDenied
	}
	switch strings.ToLower(fields.First("type", "category")) {
	case "analyse_generale", "general", "generale":
		return model.CategoryGeneral
	case "analyse_mobilite", "mobility", "mobilite":
		return model.CategoryMobility
	case "analyse_verifier", "analyse_verifiee", "verified":
		return model.CategoryVerified
	case "analyse_denied", "analyse_refusee", "denied":
		return model.CategoryDenied
	}
	return feed.Category()
}

// ParseBatch returns 1 for anything that is not a positive integer.
func ParseBatch(value string) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return 1
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n < 1 {
			return 1
		}
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 1 && f == math.Trunc(f) && f < math.MaxInt32 {
		return int(f)
	}
	return 1
}

// FormatQueryTime renders a bound in the upstream query format.
func FormatQueryTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func parseOrZero(value string, loc *time.Location) time.Time {
	if value == "" {
		return time.Time{}
	}
	ts, err := ParseTimestamp(value, loc)
	if err != nil {
		return time.Time{}
	}
	return ts
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Mon, 02 Jan 2006 15:04:05 MST",
	"2006-01-02",
}

// ParseTimestamp accepts the layouts the upstream API has emitted over time.
// Zone-less values are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
