package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	"engagecrm/internal/models"
)

const contactsTable = "contacts"

var contactColumns = []interface{}{
	"id", "tenant_id", "name", "phone", "email", "company_name", "cpf", "cnpj",
	"address_street", "address_number", "address_complement", "address_neighborhood",
	"address_city", "address_state", "address_zip", "custom_fields", "deleted_at", "created_at",
}

// timestampFields cannot be compared against the empty string
var timestampFields = map[string]bool{
	"created_at": true,
}

var pg = goqu.Dialect("postgres")

type contactRepository struct {
	db DB
}

// NewContactRepository creates a new contact repository
func NewContactRepository(db DB) ContactRepository {
	return &contactRepository{db: db}
}

func scanContact(row rowScanner) (*models.Contact, error) {
	contact := &models.Contact{}
	var customFields []byte
	err := row.Scan(
		&contact.ID,
		&contact.TenantID,
		&contact.Name,
		&contact.Phone,
		&contact.Email,
		&contact.CompanyName,
		&contact.CPF,
		&contact.CNPJ,
		&contact.AddressStreet,
		&contact.AddressNumber,
		&contact.AddressComplement,
		&contact.AddressNeighborhood,
		&contact.AddressCity,
		&contact.AddressState,
		&contact.AddressZip,
		&customFields,
		&contact.DeletedAt,
		&contact.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	contact.CustomFields, err = decodeCustomFields(customFields)
	if err != nil {
		return nil, err
	}
	return contact, nil
}

// decodeCustomFields reads the jsonb column, stringifying non-string values
func decodeCustomFields(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode custom fields: %w", err)
	}

	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			fields[key] = s
			continue
		}
		if string(value) == "null" {
			continue
		}
		fields[key] = string(value)
	}
	return fields, nil
}

// GetByID retrieves a live contact of a tenant
func (r *contactRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Contact, error) {
	query, args, err := pg.From(contactsTable).
		Select(contactColumns...).
		Where(
			goqu.C("id").Eq(id),
			goqu.C("tenant_id").Eq(tenantID),
			goqu.C("deleted_at").IsNull(),
		).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build contact query: %w", err)
	}

	contact, err := scanContact(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}

	return contact, nil
}

// FindByFilters returns the tenant's live contacts matching every filter (AND),
// oldest first. An empty filter list matches nothing.
func (r *contactRepository) FindByFilters(ctx context.Context, tenantID string, filters []models.Filter) ([]*models.Contact, error) {
	if len(filters) == 0 {
		return []*models.Contact{}, nil
	}

	query, args, err := BuildContactQuery(tenantID, filters)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	contacts := []*models.Contact{}
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}

	return contacts, nil
}

// BuildContactQuery compiles segment filters into a parameterized SELECT
func BuildContactQuery(tenantID string, filters []models.Filter) (string, []interface{}, error) {
	where := []exp.Expression{
		goqu.C("tenant_id").Eq(tenantID),
		goqu.C("deleted_at").IsNull(),
	}

	for i := range filters {
		f := filters[i]
		if err := f.Validate(); err != nil {
			return "", nil, fmt.Errorf("filter %d: %w", i+1, err)
		}
		expr, err := compileFilter(f)
		if err != nil {
			return "", nil, fmt.Errorf("filter %d: %w", i+1, err)
		}
		where = append(where, expr)
	}

	query, args, err := pg.From(contactsTable).
		Select(contactColumns...).
		Where(where...).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build contact query: %w", err)
	}
	return query, args, nil
}

type filterColumn interface {
	exp.Comparable
	exp.Likeable
	exp.Isable
}

func filterTarget(field string) filterColumn {
	if strings.HasPrefix(field, models.CustomFieldPrefix) {
		key := strings.TrimPrefix(field, models.CustomFieldPrefix)
		return goqu.L("custom_fields->>?", key)
	}
	return goqu.C(models.FilterableFields[field])
}

// compileFilter expects a validated filter
func compileFilter(f models.Filter) (exp.Expression, error) {
	col := filterTarget(f.Field)

	switch f.Operator {
	case models.OperatorEquals:
		return col.Eq(f.Value), nil
	case models.OperatorNotEquals:
		return col.Neq(f.Value), nil
	case models.OperatorContains:
		return col.ILike("%" + escapeLike(f.Value) + "%"), nil
	case models.OperatorStartsWith:
		return col.ILike(escapeLike(f.Value) + "%"), nil
	case models.OperatorEndsWith:
		return col.ILike("%" + escapeLike(f.Value)), nil
	case models.OperatorIsEmpty:
		if timestampFields[f.Field] {
			return col.IsNull(), nil
		}
		return goqu.Or(col.IsNull(), col.Eq("")), nil
	case models.OperatorIsNotEmpty:
		if timestampFields[f.Field] {
			return col.IsNotNull(), nil
		}
		return goqu.And(col.IsNotNull(), col.Neq("")), nil
	case models.OperatorGreaterThan, models.OperatorAfter:
		return col.Gt(f.Value), nil
	case models.OperatorLessThan, models.OperatorBefore:
		return col.Lt(f.Value), nil
	}

	return nil, fmt.Errorf("unsupported filter operator %q", f.Operator)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes user input match literally inside an ILIKE pattern
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
