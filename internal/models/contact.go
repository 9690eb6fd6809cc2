package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Contact is a member record owned by the external CRM. The directory
// cache holds a read-mostly copy; the local store keeps a fallback copy.
type Contact struct {
	ID             string       `json:"id"`
	FirstName      string       `json:"firstName"`
	LastName       string       `json:"lastName"`
	DisplayName    string       `json:"displayName,omitempty"`
	Email          string       `json:"email,omitempty"`
	Phone          string       `json:"phone,omitempty"`
	Postcode       string       `json:"postcode,omitempty"`
	MembershipType string       `json:"membershipType,omitempty"`
	CustomFields   CustomFields `json:"customFields,omitempty"`
	RenewalDate    time.Time    `json:"renewalDate,omitzero"`
}

// Operator is the staff member confirming a match.
type Operator struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// CustomField is one id/value pair as the CRM sends it in list form.
type CustomField struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// CustomFields is the extensible field set attached to a contact.
// The CRM serves it in two shapes depending on endpoint version: a list
// of {id, value} pairs or a flat string map. Both decode into the same
// reader so call sites never branch on shape.
type CustomFields struct {
	fields map[string]string
	order  []string
}

// NewCustomFields builds a field set from a flat map.
func NewCustomFields(m map[string]string) CustomFields {
	cf := CustomFields{}
	for k, v := range m {
		cf.Set(k, v)
	}
	return cf
}

// Get returns the value for a field id.
func (cf CustomFields) Get(id string) (string, bool) {
	v, ok := cf.fields[id]
	return v, ok
}

// Set adds or replaces a field value.
func (cf *CustomFields) Set(id, value string) {
	if cf.fields == nil {
		cf.fields = make(map[string]string)
	}
	if _, exists := cf.fields[id]; !exists {
		cf.order = append(cf.order, id)
	}
	cf.fields[id] = value
}

// Len reports the number of fields.
func (cf CustomFields) Len() int { return len(cf.fields) }

// Pairs returns the fields as id/value pairs in insertion order.
func (cf CustomFields) Pairs() []CustomField {
	pairs := make([]CustomField, 0, len(cf.order))
	for _, id := range cf.order {
		pairs = append(pairs, CustomField{ID: id, Value: cf.fields[id]})
	}
	return pairs
}

// UnmarshalJSON accepts either a list of {id, value} pairs or a flat
// map, sniffing the shape from the first byte.
func (cf *CustomFields) UnmarshalJSON(data []byte) error {
	trimmed := firstNonSpace(data)
	switch trimmed {
	case '[':
		var pairs []CustomField
		if err := json.Unmarshal(data, &pairs); err != nil {
			return fmt.Errorf("custom fields as pair list: %w", err)
		}
		*cf = CustomFields{}
		for _, p := range pairs {
			cf.Set(p.ID, p.Value)
		}
		return nil
	case '{':
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("custom fields as flat map: %w", err)
		}
		*cf = NewCustomFields(m)
		return nil
	case 'n': // null
		*cf = CustomFields{}
		return nil
	default:
		return fmt.Errorf("custom fields: unsupported payload shape starting with %q", trimmed)
	}
}

// MarshalJSON always writes the pair-list form, which both CRM endpoint
// versions accept.
func (cf CustomFields) MarshalJSON() ([]byte, error) {
	return json.Marshal(cf.Pairs())
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
