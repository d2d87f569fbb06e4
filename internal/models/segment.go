package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Operator is a segment filter comparison
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorStartsWith  Operator = "starts_with"
	OperatorEndsWith    Operator = "ends_with"
	OperatorIsEmpty     Operator = "is_empty"
	OperatorIsNotEmpty  Operator = "is_not_empty"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorBefore      Operator = "before"
	OperatorAfter       Operator = "after"
)

// ParseOperator returns the operator named by s or an error for unknown names
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.TrimSpace(strings.ToLower(s)))
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorStartsWith,
		OperatorEndsWith, OperatorIsEmpty, OperatorIsNotEmpty, OperatorGreaterThan,
		OperatorLessThan, OperatorBefore, OperatorAfter:
		return op, nil
	}
	return "", fmt.Errorf("unknown filter operator %q", s)
}

// NeedsValue reports whether the operator compares against Filter.Value
func (o Operator) NeedsValue() bool {
	return o != OperatorIsEmpty && o != OperatorIsNotEmpty
}

// CustomFieldPrefix marks a filter on a key inside contacts.custom_fields
const CustomFieldPrefix = "custom."

// FilterableFields maps filter field names to contact columns
var FilterableFields = map[string]string{
	"name":                 "name",
	"phone":                "phone",
	"email":                "email",
	"company_name":         "company_name",
	"cpf":                  "cpf",
	"cnpj":                 "cnpj",
	"address_street":       "address_street",
	"address_neighborhood": "address_neighborhood",
	"address_city":         "address_city",
	"address_state":        "address_state",
	"address_zip":          "address_zip",
	"created_at":           "created_at",
}

// Filter is one {field, operator, value} clause
type Filter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// UnmarshalJSON accepts non-string values (numbers, booleans) as their text form
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field    string          `json:"field"`
		Operator string          `json:"operator"`
		Value    json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Field = raw.Field
	f.Operator = Operator(raw.Operator)
	f.Value = ""

	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Value, &s); err == nil {
		f.Value = s
		return nil
	}
	f.Value = string(raw.Value)
	return nil
}

// Validate checks the operator and field against the supported sets
func (f *Filter) Validate() error {
	op, err := ParseOperator(string(f.Operator))
	if err != nil {
		return err
	}
	f.Operator = op

	if strings.HasPrefix(f.Field, CustomFieldPrefix) {
		if strings.TrimPrefix(f.Field, CustomFieldPrefix) == "" {
			return fmt.Errorf("custom field name is required")
		}
		return nil
	}
	if _, ok := FilterableFields[f.Field]; !ok {
		return fmt.Errorf("unknown filter field %q", f.Field)
	}
	return nil
}

// Segment is a saved filter definition over a tenant's contacts
type Segment struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Name      string    `json:"name" db:"name"`
	Filters   []Filter  `json:"filters" db:"filters"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Validate validates every filter clause
func (s *Segment) Validate() error {
	for i := range s.Filters {
		if err := s.Filters[i].Validate(); err != nil {
			return fmt.Errorf("filter %d: %w", i+1, err)
		}
	}
	return nil
}
