package models

import (
	"strings"
	"time"
)

// Contact represents a tenant-scoped recipient
type Contact struct {
	ID                  string            `json:"id" db:"id"`
	TenantID            string            `json:"tenant_id" db:"tenant_id"`
	Name                *string           `json:"name,omitempty" db:"name"`
	Phone               string            `json:"phone" db:"phone"`
	Email               *string           `json:"email,omitempty" db:"email"`
	CompanyName         *string           `json:"company_name,omitempty" db:"company_name"`
	CPF                 *string           `json:"cpf,omitempty" db:"cpf"`
	CNPJ                *string           `json:"cnpj,omitempty" db:"cnpj"`
	AddressStreet       *string           `json:"address_street,omitempty" db:"address_street"`
	AddressNumber       *string           `json:"address_number,omitempty" db:"address_number"`
	AddressComplement   *string           `json:"address_complement,omitempty" db:"address_complement"`
	AddressNeighborhood *string           `json:"address_neighborhood,omitempty" db:"address_neighborhood"`
	AddressCity         *string           `json:"address_city,omitempty" db:"address_city"`
	AddressState        *string           `json:"address_state,omitempty" db:"address_state"`
	AddressZip          *string           `json:"address_zip,omitempty" db:"address_zip"`
	CustomFields        map[string]string `json:"custom_fields,omitempty" db:"custom_fields"`
	DeletedAt           *time.Time        `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt           time.Time         `json:"created_at" db:"created_at"`
}

// FirstName returns the first whitespace-separated word of the name
func (c *Contact) FirstName() string {
	fields := strings.Fields(deref(c.Name))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// TemplateValues maps placeholder names to the contact's values.
// Custom fields never shadow the built-in tokens.
func (c *Contact) TemplateValues() map[string]string {
	values := make(map[string]string, 16+len(c.CustomFields))
	for key, value := range c.CustomFields {
		values[key] = value
	}

	values["name"] = deref(c.Name)
	values["nome"] = deref(c.Name)
	values["first_name"] = c.FirstName()
	values["primeiro_nome"] = c.FirstName()
	values["phone"] = c.Phone
	values["telefone"] = c.Phone
	values["email"] = deref(c.Email)
	values["company_name"] = deref(c.CompanyName)
	values["empresa"] = deref(c.CompanyName)
	values["cpf"] = deref(c.CPF)
	values["cnpj"] = deref(c.CNPJ)
	values["address_street"] = deref(c.AddressStreet)
	values["address_number"] = deref(c.AddressNumber)
	values["address_complement"] = deref(c.AddressComplement)
	values["address_neighborhood"] = deref(c.AddressNeighborhood)
	values["address_city"] = deref(c.AddressCity)
	values["address_state"] = deref(c.AddressState)
	values["address_zip"] = deref(c.AddressZip)
	return values
}

// BlockedNumber is a tenant blocklist entry
type BlockedNumber struct {
	ID        int64     `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Phone     string    `json:"phone" db:"phone"`
	Reason    *string   `json:"reason,omitempty" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
