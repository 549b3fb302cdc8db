package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"t3shield/internal/model"
)

// Fields is a flattened record with lower-cased keys.
type Fields map[string]string

func ParseJSONBytes(data []byte) (Fields, error) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return FieldsFromMap(obj), nil
}

func FieldsFromMap(obj map[string]any) Fields {
	fields := make(Fields, len(obj))
	for key, val := range obj {
		fields[strings.ToLower(strings.TrimSpace(key))] = stringify(val)
	}
	return fields
}

// First returns the first non-empty value among keys.
func (f Fields) First(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(f[k]); v != "" {
			return v
		}
	}
	return ""
}

func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// GeoRecord decodes one geography row such as
// {"id":"aref-1","name":"Rabat","parentId":null,"coordinates":[34.0,-6.8]}.
func GeoRecord(obj map[string]any, kind model.Kind) model.GeoRecord {
	fields := FieldsFromMap(obj)
	rec := model.GeoRecord{
		ID:       fields.First("id"),
		Name:     fields.First("name", "nom", "label"),
		Kind:     kind,
		ParentID: fields.First("parentid", "parent_id"),
	}
	if c, ok := lookupCI(obj, "coordinates"); ok {
		rec.Coordinates = parseCoordinates(c)
	}
	if rec.Coordinates == nil {
		lat, errLat := strconv.ParseFloat(fields.First("lat", "latitude"), 64)
		lng, errLng := strconv.ParseFloat(fields.First("lng", "lon", "longitude"), 64)
		if errLat == nil && errLng == nil {
			rec.Coordinates = &model.Coordinates{Lat: lat, Lng: lng}
		}
	}
	if info, ok := lookupCI(obj, "additionalinfo"); ok {
		if m, ok := info.(map[string]any); ok && len(m) > 0 {
			rec.Info = make(map[string]string, len(m))
			for k, v := range m {
				rec.Info[k] = stringify(v)
			}
		}
	}
	return rec
}

func lookupCI(obj map[string]any, key string) (any, bool) {
	for k, v := range obj {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func parseCoordinates(val any) *model.Coordinates {
	switch v := val.(type) {
	case []any:
		if len(v) < 2 {
			return nil
		}
		lat, ok1 := toFloat(v[0])
		lng, ok2 := toFloat(v[1])
		if ok1 && ok2 {
			return &model.Coordinates{Lat: lat, Lng: lng}
		}
	case map[string]any:
		f := FieldsFromMap(v)
		lat, err1 := strconv.ParseFloat(f.First("lat", "latitude"), 64)
		lng, err2 := strconv.ParseFloat(f.First("lng", "lon", "longitude"), 64)
		if err1 == nil && err2 == nil {
			return &model.Coordinates{Lat: lat, Lng: lng}
		}
	}
	return nil
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
