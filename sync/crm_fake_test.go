package sync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
)

// fakeCRM is an in memory CRM speaking the batch upsert and association APIs.
// Inputs whose id starts with "bad" fail validation.
type fakeCRM struct {
	mu         gosync.Mutex
	properties map[string]map[string]bool
	groups     map[string]bool
	objects    map[string]map[string]map[string]interface{}
	labels     map[string][]map[string]interface{}
	edges      map[string]bool
	nextTypeID int
	upserts    int
	labelPosts int
	maxBatch   int

	rejectUpsertAuth   bool
	rejectAssociations bool
}

func newFakeCRM(t *testing.T) (*fakeCRM, *httptest.Server) {
	t.Helper()
	f := &fakeCRM{
		properties: map[string]map[string]bool{},
		groups:     map[string]bool{},
		objects:    map[string]map[string]map[string]interface{}{},
		labels:     map[string][]map[string]interface{}{},
		edges:      map[string]bool{},
		nextTypeID: 100,
		maxBatch:   100,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /crm/v3/properties/{object}", f.listProperties)
	mux.HandleFunc("POST /crm/v3/properties/{object}", f.createProperty)
	mux.HandleFunc("POST /crm/v3/properties/{object}/groups", f.createGroup)
	mux.HandleFunc("POST /crm/v3/objects/{object}/batch/upsert", f.batchUpsert)
	mux.HandleFunc("GET /crm/v4/associations/{from}/{to}/labels", f.listLabels)
	mux.HandleFunc("POST /crm/v4/associations/{from}/{to}/labels", f.createLabel)
	mux.HandleFunc("POST /crm/v4/associations/{from}/{to}/batch/create", f.createAssociations)
	server := httptest.NewServer(f.authorize(mux))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeCRM) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer crm-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "bad token"})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (f *fakeCRM) listProperties(w http.ResponseWriter, r *http.Request) {
	var results []map[string]string
	for name := range f.properties[r.PathValue("object")] {
		results = append(results, map[string]string{"name": name})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (f *fakeCRM) createProperty(w http.ResponseWriter, r *http.Request) {
	var def PropertyDefinition
	json.NewDecoder(r.Body).Decode(&def)
	object := r.PathValue("object")
	if f.properties[object] == nil {
		f.properties[object] = map[string]bool{}
	}
	f.properties[object][def.Name] = true
	writeJSON(w, http.StatusCreated, def)
}

func (f *fakeCRM) createGroup(w http.ResponseWriter, r *http.Request) {
	var group map[string]interface{}
	json.NewDecoder(r.Body).Decode(&group)
	f.groups[r.PathValue("object")+"/"+fmt.Sprint(group["name"])] = true
	writeJSON(w, http.StatusCreated, group)
}

func (f *fakeCRM) batchUpsert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs []UpsertPayload `json:"inputs"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if f.rejectUpsertAuth {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
		return
	}
	if len(body.Inputs) > f.maxBatch {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "batch too large"})
		return
	}
	for _, in := range body.Inputs {
		if strings.HasPrefix(in.ID, "bad") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Property values were not valid"})
			return
		}
	}
	f.upserts++
	object := r.PathValue("object")
	if f.objects[object] == nil {
		f.objects[object] = map[string]map[string]interface{}{}
	}
	var results []map[string]interface{}
	for _, in := range body.Inputs {
		_, exists := f.objects[object][in.ID]
		f.objects[object][in.ID] = in.Properties
		results = append(results, map[string]interface{}{
			"id":         object + "-" + in.ID,
			"new":        !exists,
			"properties": map[string]string{in.IDProperty: in.ID},
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "COMPLETE", "results": results})
}

func (f *fakeCRM) listLabels(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("from") + "/" + r.PathValue("to")
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": f.labels[key]})
}

func (f *fakeCRM) createLabel(w http.ResponseWriter, r *http.Request) {
	f.labelPosts++
	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)
	key := r.PathValue("from") + "/" + r.PathValue("to")
	f.nextTypeID++
	label := map[string]interface{}{"category": AssociationCategory, "typeId": f.nextTypeID, "label": body["label"]}
	f.labels[key] = append(f.labels[key], label)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": []interface{}{label}})
}

func (f *fakeCRM) createAssociations(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs []struct {
			From  struct{ ID string } `json:"from"`
			To    struct{ ID string } `json:"to"`
			Types []struct {
				AssociationTypeID int `json:"associationTypeId"`
			} `json:"types"`
		} `json:"inputs"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if f.rejectAssociations {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "association type is not valid"})
		return
	}
	for _, in := range body.Inputs {
		f.edges[fmt.Sprintf("%s->%s#%d", in.From.ID, in.To.ID, in.Types[0].AssociationTypeID)] = true
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"status": "COMPLETE"})
}

func (f *fakeCRM) edgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edges)
}

func (f *fakeCRM) objectCount(object string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects[object])
}
