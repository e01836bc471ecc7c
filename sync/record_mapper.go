package sync

import (
	"fmt"
	"strings"

	"github.com/iancoleman/strcase"
)

// Derived order properties.
const (
	DealStatusProperty          = "deal_status"
	PrimarySalesRepProperty     = "primary_sales_rep"
	PrimarySalesRepIDProperty   = "primary_sales_rep_id"
	SecondarySalesRepProperty   = "secondary_sales_rep"
	SecondarySalesRepIDProperty = "secondary_sales_rep_id"
	CoopSalesRepsProperty       = "coop_sales_reps"
)

var derivedOrderProperties = []string{
	DealStatusProperty,
	PrimarySalesRepProperty,
	PrimarySalesRepIDProperty,
	SecondarySalesRepProperty,
	SecondarySalesRepIDProperty,
	CoopSalesRepsProperty,
}

// UpsertPayload is the destination shaped representation of one record.
// ID is the idempotency key, stored in the IDProperty of the destination object.
type UpsertPayload struct {
	EntityType EntityType             `json:"-"`
	IDProperty string                 `json:"idProperty"`
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties"`
}

func (p *UpsertPayload) GetFields() map[string]interface{} { return p.Properties }

func (p *UpsertPayload) SetField(key string, value interface{}) { p.Properties[key] = value }

func (p *UpsertPayload) DeleteField(key string) { delete(p.Properties, key) }

// RecordMapper turns source records into upsert payloads using the
// per entity field tables of the configuration.
type RecordMapper struct {
	Config Config
}

// MapToUpsert maps one record. derived is only merged for orders and may be nil.
func (m RecordMapper) MapToUpsert(record SourceRecord, derived *DerivedFields) (UpsertPayload, error) {
	ec, exists := m.Config.Entities[record.Type]
	if !exists {
		return UpsertPayload{}, fmt.Errorf("%w: %s", ErrUnknownEntity, record.Type)
	}
	id := record.ID()
	if id == "" {
		return UpsertPayload{}, fmt.Errorf("%w: %s record without %s", ErrValidation, record.Type, ec.IDPath)
	}
	payload := UpsertPayload{
		EntityType: record.Type,
		IDProperty: ec.IDProperty,
		ID:         id,
		Properties: map[string]interface{}{},
	}
	if err := MapFields(ec.FieldMappings, record.Source, &payload); err != nil {
		return UpsertPayload{}, fmt.Errorf("%s %s: %w", record.Type, id, err)
	}
	for field, path := range ec.FieldMappings.Emails {
		raw, _ := record.Source.StringForPath(path)
		if email, ok := NormalizeEmail(raw); ok {
			payload.SetField(field, email)
		} else if field == ec.EmailProperty {
			payload.SetField(field, PlaceholderEmail(ec.Kind, id, m.Config.Destination.PlaceholderEmailDomain))
		} else {
			payload.DeleteField(field)
		}
	}
	if err := ApplyFieldTransforms(ec.FieldTransforms, &payload); err != nil {
		return UpsertPayload{}, fmt.Errorf("%s %s: %w", record.Type, id, err)
	}
	payload.SetField(ec.IDProperty, id)
	if record.Type == Orders && derived != nil {
		mergeDerivedFields(&payload, *derived)
	}
	return payload, nil
}

func mergeDerivedFields(payload Mappable, derived DerivedFields) {
	payload.SetField(DealStatusProperty, string(derived.Status))
	setRep := func(nameField, idField string, rep *Rep) {
		if rep == nil {
			payload.SetField(nameField, "")
			payload.SetField(idField, "")
			return
		}
		payload.SetField(nameField, rep.Name)
		payload.SetField(idField, rep.ID)
	}
	setRep(PrimarySalesRepProperty, PrimarySalesRepIDProperty, derived.PrimaryRep)
	setRep(SecondarySalesRepProperty, SecondarySalesRepIDProperty, derived.SecondaryRep)
	payload.SetField(CoopSalesRepsProperty, FormatCoopReps(derived.CoopReps))
}

// FormatCoopReps renders co-op reps as "Rep Name (Customer)" joined by "; ".
func FormatCoopReps(reps []CoopRep) string {
	parts := make([]string, 0, len(reps))
	for _, r := range reps {
		name := r.Rep.Name
		if name == "" {
			name = r.Rep.ID
		}
		if r.CustomerName != "" {
			name = fmt.Sprintf("%s (%s)", name, r.CustomerName)
		}
		parts = append(parts, name)
	}
	return strings.Join(parts, "; ")
}

// Dedupe keeps the last occurrence of every idempotency key, at the
// position the key was first seen.
func Dedupe(payloads []UpsertPayload) []UpsertPayload {
	index := make(map[string]int, len(payloads))
	result := make([]UpsertPayload, 0, len(payloads))
	for _, p := range payloads {
		if i, seen := index[p.ID]; seen {
			result[i] = p
			continue
		}
		index[p.ID] = len(result)
		result = append(result, p)
	}
	return result
}

// PropertyDefinition describes a destination property to provision.
type PropertyDefinition struct {
	Name           string           `json:"name"`
	Label          string           `json:"label"`
	Type           string           `json:"type"`
	FieldType      string           `json:"fieldType"`
	GroupName      string           `json:"groupName"`
	HasUniqueValue bool             `json:"hasUniqueValue,omitempty"`
	Options        []PropertyOption `json:"options,omitempty"`
}

type PropertyOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func propertyDefinition(name string, t PropertyType, group string) PropertyDefinition {
	def := PropertyDefinition{
		Name:      name,
		Label:     PropertyLabel(name),
		GroupName: group,
	}
	switch t {
	case NumberProperty:
		def.Type, def.FieldType = "number", "number"
	case BoolProperty:
		def.Type, def.FieldType = "bool", "booleancheckbox"
		def.Options = []PropertyOption{{Label: "Yes", Value: "true"}, {Label: "No", Value: "false"}}
	case DateProperty:
		def.Type, def.FieldType = "date", "date"
	default:
		def.Type, def.FieldType = "string", "text"
	}
	return def
}

// PropertyLabel turns a property name into a display label, e.g. "loan_amount" -> "Loan Amount".
func PropertyLabel(name string) string {
	words := strings.Fields(strcase.ToDelimited(name, ' '))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// PropertyDefinitions lists every property the mapper can write for an entity type,
// the idempotency key first.
func (m RecordMapper) PropertyDefinitions(e EntityType) []PropertyDefinition {
	ec, exists := m.Config.Entities[e]
	if !exists {
		return nil
	}
	group := m.Config.Destination.PropertyGroup
	idDef := propertyDefinition(ec.IDProperty, StringProperty, group)
	idDef.HasUniqueValue = true
	result := []PropertyDefinition{idDef}
	for _, key := range ec.FieldMappings.AllKeys() {
		if key == ec.IDProperty {
			continue
		}
		result = append(result, propertyDefinition(key, ec.FieldMappings.PropertyType(key), group))
	}
	if e == Orders {
		for _, key := range derivedOrderProperties {
			result = append(result, propertyDefinition(key, StringProperty, group))
		}
	}
	return result
}
