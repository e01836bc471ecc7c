package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAssociations(t *testing.T) {
	config := testConfig(t)
	records := map[EntityType][]SourceRecord{
		Profiles: {
			record(t, config, Profiles, `{"id":"p1","company":{"id":"c1"},"individual":{"id":"i1"}}`),
			record(t, config, Profiles, `{"id":"p2","company":{"id":"c9"}}`),
			record(t, config, Profiles, `{"id":"p3"}`),
		},
		Orders: {
			record(t, config, Orders, `{"id":"o1","people":[{"contact_id":"p1"}]}`),
			record(t, config, Orders, `{"id":"o1","people":[{"contact_id":"p1"}]}`),
		},
	}
	ids := DestinationIDs{}
	ids.Set(Companies, "c1", "101")
	ids.Set(Individuals, "i1", "201")
	ids.Set(Profiles, "p1", "301")
	ids.Set(Profiles, "p2", "302")
	ids.Set(Orders, "o1", "401")

	edges, unresolved := BuildAssociations(config, records, ids)
	assert.Equal(t, []AssociationEdge{
		{FromType: Profiles, FromID: "301", ToType: Companies, ToID: "101", Relation: ProfileToCompany},
		{FromType: Profiles, FromID: "301", ToType: Individuals, ToID: "201", Relation: ProfileToContact},
		{FromType: Orders, FromID: "401", ToType: Profiles, ToID: "301", Relation: DealToProfile},
	}, edges)

	require.Len(t, unresolved, 1)
	assert.Equal(t, UnresolvedEndpoint{From: Profiles, SourceID: "p2", To: Companies, TargetID: "c9", Relation: ProfileToCompany}, unresolved[0])
	assert.ErrorIs(t, unresolved[0], ErrUnresolvedEndpoint)
	assert.Contains(t, unresolved[0].Error(), "c9")
}

func TestBuildAssociationsSkipsFailedUpserts(t *testing.T) {
	config := testConfig(t)
	records := map[EntityType][]SourceRecord{
		Orders: {record(t, config, Orders, `{"id":"o1","people":[{"contact_id":"p1"}]}`)},
	}
	ids := DestinationIDs{}
	ids.Set(Profiles, "p1", "301")
	ids.Set(Orders, "o1", "")

	edges, unresolved := BuildAssociations(config, records, ids)
	assert.Empty(t, edges)
	assert.Len(t, unresolved, 1)
}

func TestBuildAssociationsExpandsArrayRelations(t *testing.T) {
	config := testConfig(t)
	records := map[EntityType][]SourceRecord{
		Orders: {record(t, config, Orders, `{"id":"o1","people":[
			{"contact_id":"p1","name":"Buyer"},
			{"contact_id":"p2","name":"Seller"},
			{"contact_id":"p1","name":"Buyer again"},
			{"name":"No contact"},
			{"contact_id":"p3"}
		]}`)},
	}
	ids := DestinationIDs{}
	ids.Set(Orders, "o1", "401")
	ids.Set(Profiles, "p1", "301")
	ids.Set(Profiles, "p2", "302")

	edges, unresolved := BuildAssociations(config, records, ids)
	assert.Equal(t, []AssociationEdge{
		{FromType: Orders, FromID: "401", ToType: Profiles, ToID: "301", Relation: DealToProfile},
		{FromType: Orders, FromID: "401", ToType: Profiles, ToID: "302", Relation: DealToProfile},
	}, edges)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "p3", unresolved[0].TargetID)
}

func TestRelationName(t *testing.T) {
	assert.Equal(t, ProfileToCompany, RelationName(Profiles, Companies))
	assert.Equal(t, ProfileToContact, RelationName(Profiles, Individuals))
	assert.Equal(t, DealToProfile, RelationName(Orders, Profiles))
	assert.Equal(t, "orders_to_companies", RelationName(Orders, Companies))
}
