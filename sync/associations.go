package sync

import (
	"fmt"
	"slices"
)

// Relation names of the association graph.
const (
	ProfileToCompany = "profile_to_company"
	ProfileToContact = "profile_to_contact"
	DealToProfile    = "deal_to_profile"
)

// AssociationEdge is a typed relation between two destination records.
type AssociationEdge struct {
	FromType EntityType `json:"fromType"`
	FromID   string     `json:"fromId"`
	ToType   EntityType `json:"toType"`
	ToID     string     `json:"toId"`
	Relation string     `json:"relation"`
}

// RelationName names the relation from one entity type to another.
func RelationName(from, to EntityType) string {
	switch {
	case from == Profiles && to == Companies:
		return ProfileToCompany
	case from == Profiles && to == Individuals:
		return ProfileToContact
	case from == Orders && to == Profiles:
		return DealToProfile
	}
	return fmt.Sprintf("%s_to_%s", from, to)
}

// DestinationIDs maps source ids to destination ids per entity type, for the
// records upserted in the current run.
type DestinationIDs map[EntityType]map[string]string

func (d DestinationIDs) Set(e EntityType, sourceID, destinationID string) {
	if d[e] == nil {
		d[e] = map[string]string{}
	}
	d[e][sourceID] = destinationID
}

func (d DestinationIDs) Lookup(e EntityType, sourceID string) (string, bool) {
	id, exists := d[e][sourceID]
	return id, exists && id != ""
}

// UnresolvedEndpoint is an edge skipped because one end was not upserted in this run.
type UnresolvedEndpoint struct {
	From     EntityType
	SourceID string
	To       EntityType
	TargetID string
	Relation string
}

func (u UnresolvedEndpoint) Error() string {
	return fmt.Sprintf("%v: %s %s %s -> %s %s", ErrUnresolvedEndpoint, u.Relation, u.From, u.SourceID, u.To, u.TargetID)
}

func (u UnresolvedEndpoint) Unwrap() error { return ErrUnresolvedEndpoint }

// BuildAssociations computes the edge set from the relations configured on
// each entity type. An edge is emitted only when both ends have a destination
// id in ids, every other relation is returned as unresolved.
func BuildAssociations(config Config, records map[EntityType][]SourceRecord, ids DestinationIDs) ([]AssociationEdge, []UnresolvedEndpoint) {
	var edges []AssociationEdge
	var unresolved []UnresolvedEndpoint
	seen := map[AssociationEdge]bool{}
	for _, from := range StageOrder {
		ec, exists := config.Entities[from]
		if !exists || len(ec.Relations) == 0 {
			continue
		}
		targets := make([]EntityType, 0, len(ec.Relations))
		for to := range ec.Relations {
			targets = append(targets, to)
		}
		slices.Sort(targets)
		for _, record := range records[from] {
			sourceID := record.ID()
			for _, to := range targets {
				relation := RelationName(from, to)
				for _, targetID := range relationTargets(record.Source, ec.Relations[to]) {
					fromID, fromOK := ids.Lookup(from, sourceID)
					toID, toOK := ids.Lookup(to, targetID)
					if !fromOK || !toOK {
						unresolved = append(unresolved, UnresolvedEndpoint{
							From: from, SourceID: sourceID, To: to, TargetID: targetID, Relation: relation,
						})
						continue
					}
					edge := AssociationEdge{FromType: from, FromID: fromID, ToType: to, ToID: toID, Relation: relation}
					if !seen[edge] {
						seen[edge] = true
						edges = append(edges, edge)
					}
				}
			}
		}
	}
	return edges, unresolved
}

// relationTargets reads the target ids at path. A path resolving to an array,
// e.g. "people.#.contact_id", yields one id per non empty element.
func relationTargets(source Source, path string) []string {
	value := source.Get(path)
	if !value.IsArray() {
		if id := value.String(); id != "" {
			return []string{id}
		}
		return nil
	}
	var ids []string
	for _, v := range value.Array() {
		if id := v.String(); id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}
