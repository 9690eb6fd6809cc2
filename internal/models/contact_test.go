package models

import (
	"encoding/json"
	"testing"
)

func TestCustomFields_UnmarshalPairList(t *testing.T) {
	var cf CustomFields
	data := `[{"id": "renewal_date", "value": "2025-03-15"}, {"id": "membership_status", "value": "active"}]`
	if err := json.Unmarshal([]byte(data), &cf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cf.Len() != 2 {
		t.Errorf("len: got %d, want 2", cf.Len())
	}
	if v, ok := cf.Get("renewal_date"); !ok || v != "2025-03-15" {
		t.Errorf("renewal_date: got %q, %v", v, ok)
	}
}

func TestCustomFields_UnmarshalFlatMap(t *testing.T) {
	var cf CustomFields
	data := `{"renewal_date": "2025-03-15", "membership_status": "active"}`
	if err := json.Unmarshal([]byte(data), &cf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := cf.Get("membership_status"); !ok || v != "active" {
		t.Errorf("membership_status: got %q, %v", v, ok)
	}
}

func TestCustomFields_UnmarshalNull(t *testing.T) {
	var cf CustomFields
	if err := json.Unmarshal([]byte(`null`), &cf); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if cf.Len() != 0 {
		t.Errorf("len: got %d, want 0", cf.Len())
	}
}

func TestCustomFields_UnmarshalRejectsOtherShapes(t *testing.T) {
	var cf CustomFields
	if err := json.Unmarshal([]byte(`"renewal_date"`), &cf); err == nil {
		t.Error("a bare string is not a valid custom-field payload")
	}
	if err := json.Unmarshal([]byte(`42`), &cf); err == nil {
		t.Error("a number is not a valid custom-field payload")
	}
}

func TestCustomFields_MarshalWritesPairList(t *testing.T) {
	cf := CustomFields{}
	cf.Set("renewal_date", "2025-03-15")
	cf.Set("membership_status", "active")

	data, err := json.Marshal(cf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `[{"id":"renewal_date","value":"2025-03-15"},{"id":"membership_status","value":"active"}]`
	if string(data) != want {
		t.Errorf("marshal:\ngot  %s\nwant %s", data, want)
	}
}

func TestCustomFields_SetReplacesInPlace(t *testing.T) {
	cf := CustomFields{}
	cf.Set("a", "1")
	cf.Set("b", "2")
	cf.Set("a", "3")

	pairs := cf.Pairs()
	if len(pairs) != 2 {
		t.Fatalf("pairs: got %d, want 2", len(pairs))
	}
	if pairs[0].ID != "a" || pairs[0].Value != "3" {
		t.Errorf("replaced field must keep its position: %+v", pairs)
	}
}

func TestCustomFields_RoundTripAcrossShapes(t *testing.T) {
	var fromMap CustomFields
	if err := json.Unmarshal([]byte(`{"k": "v"}`), &fromMap); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}

	data, err := json.Marshal(fromMap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back CustomFields
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal pair list: %v", err)
	}
	if v, ok := back.Get("k"); !ok || v != "v" {
		t.Errorf("round trip lost field: got %q, %v", v, ok)
	}
}
