package ngsild

import "time"

// timeLayout is ISO-8601 in UTC with millisecond precision and a Z suffix.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Attribute is an NGSI-LD attribute in its wire form.
type Attribute struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Attributes is the body of a partial attribute update, keyed by attribute
// name.
type Attributes map[string]Attribute

// dateTime is the JSON-LD typed literal used for DateTime values.
type dateTime struct {
	Type  string `json:"@type"`
	Value string `json:"@value"`
}

// Property wraps v in a Property envelope.
func Property(v any) Attribute {
	return Attribute{Type: "Property", Value: v}
}

// DateTimeProperty wraps t in a Property envelope holding a DateTime literal.
func DateTimeProperty(t time.Time) Attribute {
	return Property(dateTime{Type: "DateTime", Value: FormatTime(t)})
}

// FormatTime renders t the way the broker stores timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
