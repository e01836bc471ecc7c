package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"slices"
	gosync "sync"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
)

// DefaultMaxBatchSize is the destination batch limit when none is configured.
const DefaultMaxBatchSize = 100

// AssociationCategory of every relation definition created here.
const AssociationCategory = "USER_DEFINED"

// nativeObjectGroups are the built in property groups of native CRM objects.
var nativeObjectGroups = map[string]string{
	"companies": "companyinformation",
	"contacts":  "contactinformation",
	"deals":     "dealinformation",
}

// DestinationClient is the credentialed connection to the CRM.
type DestinationClient interface {
	Get(ctx context.Context, path string) (gjson.Result, error)
	Post(ctx context.Context, path string, body interface{}) (gjson.Result, error)
	MaxBatchSize() int
}

type DestinationError map[string]interface{}

// CRMClient talks to the CRM API with a private app token.
type CRMClient struct {
	Settings  DestinationSettings
	RecordDir string
}

func NewCRMClient(settings DestinationSettings) *CRMClient {
	return &CRMClient{Settings: settings}
}

// APIBuilder returns a new requests.Builder configured for the CRM API.
func (c *CRMClient) APIBuilder() *requests.Builder {
	apiBuilder := requests.
		URL(c.Settings.BaseURL).
		Client(&http.Client{Timeout: HTTPRequestTimeout}).
		Bearer(c.Settings.AccessToken)
	if c.RecordDir != "" {
		apiBuilder = apiBuilder.Transport(requests.Record(nil, path.Join(c.RecordDir, "crm")))
	}
	return apiBuilder
}

func (c *CRMClient) MaxBatchSize() int {
	if c.Settings.MaxBatchSize > 0 {
		return c.Settings.MaxBatchSize
	}
	return DefaultMaxBatchSize
}

func (c *CRMClient) Get(ctx context.Context, path string) (gjson.Result, error) {
	return c.fetch(ctx, "crm get "+path, c.APIBuilder().Path(path))
}

func (c *CRMClient) Post(ctx context.Context, path string, body interface{}) (gjson.Result, error) {
	return c.fetch(ctx, "crm post "+path, c.APIBuilder().Path(path).Post().BodyJSON(body))
}

func (c *CRMClient) fetch(ctx context.Context, operation string, builder *requests.Builder) (gjson.Result, error) {
	destinationError := DestinationError{}
	var json string
	err := builder.
		ToString(&json).
		ErrorJSON(&destinationError).
		Fetch(ctx)
	if err != nil {
		if msg, exists := destinationError["message"]; exists {
			err = fmt.Errorf("%w: %v", err, msg)
		}
		return gjson.Result{}, classifyHTTPError(operation, err)
	}
	if json == "" {
		return gjson.Result{}, nil
	}
	if !gjson.Valid(json) {
		log.Printf("Invalid CRM Response:\n%s", json)
		return gjson.Result{}, fmt.Errorf("%s: %w: invalid json response", operation, ErrTransientServer)
	}
	return gjson.Parse(json), nil
}

// CheckConnection verifies the CRM token.
func (c *CRMClient) CheckConnection(ctx context.Context) error {
	_, err := c.Get(ctx, "/crm/v3/properties/contacts")
	return err
}

type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeFailed  Outcome = "failed"
)

// UpsertOutcome is the result for one payload, keyed by its idempotency key.
type UpsertOutcome struct {
	ID            string
	DestinationID string
	Outcome       Outcome
	Err           error
}

// AssociationOutcome is the result for one edge.
type AssociationOutcome struct {
	Edge AssociationEdge
	Err  error
}

// DestinationWriter provisions schema and writes records and edges to the CRM.
type DestinationWriter struct {
	Client DestinationClient
	Config Config
	Retry  RetryPolicy
	Cache  AssociationTypeCache

	mu          gosync.Mutex
	relationIDs map[string]int
}

func NewDestinationWriter(client DestinationClient, config Config, cache AssociationTypeCache) *DestinationWriter {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &DestinationWriter{
		Client:      client,
		Config:      config,
		Retry:       config.Sync.Retry,
		Cache:       cache,
		relationIDs: make(map[string]int),
	}
}

func (w *DestinationWriter) objectType(e EntityType) (string, error) {
	ec, exists := w.Config.Entities[e]
	if !exists || ec.ObjectType == "" {
		return "", fmt.Errorf("%w: %s has no destination object type", ErrUnknownEntity, e)
	}
	return ec.ObjectType, nil
}

func (w *DestinationWriter) batchSize() int {
	if n := w.Client.MaxBatchSize(); n > 0 {
		return n
	}
	return DefaultMaxBatchSize
}

func (w *DestinationWriter) get(ctx context.Context, path string) (gjson.Result, error) {
	var result gjson.Result
	err := w.Retry.Do(ctx, "get "+path, func() error {
		var err error
		result, err = w.Client.Get(ctx, path)
		return err
	})
	return result, err
}

func (w *DestinationWriter) post(ctx context.Context, path string, body interface{}) (gjson.Result, error) {
	var result gjson.Result
	err := w.Retry.Do(ctx, "post "+path, func() error {
		var err error
		result, err = w.Client.Post(ctx, path, body)
		return err
	})
	return result, err
}

func isConflict(err error) bool {
	return requests.HasStatusErr(err, http.StatusConflict)
}

// EnsureSchema creates the missing properties of an entity type, and the
// property group for custom objects. It is safe to call on every run.
func (w *DestinationWriter) EnsureSchema(ctx context.Context, e EntityType, defs []PropertyDefinition) error {
	objectType, err := w.objectType(e)
	if err != nil {
		return err
	}
	existing, err := w.get(ctx, fmt.Sprintf("/crm/v3/properties/%s", objectType))
	if err != nil {
		return fmt.Errorf("list %s properties: %w", objectType, err)
	}
	known := map[string]bool{}
	for _, p := range existing.Get("results").Array() {
		known[p.Get("name").String()] = true
	}
	var missing []PropertyDefinition
	for _, def := range defs {
		if !known[def.Name] {
			missing = append(missing, def)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	group, native := nativeObjectGroups[objectType]
	if !native {
		group = w.Config.Destination.PropertyGroup
		_, err := w.post(ctx, fmt.Sprintf("/crm/v3/properties/%s/groups", objectType), map[string]interface{}{
			"name":         group,
			"label":        w.Config.Destination.PropertyGroupLabel,
			"displayOrder": -1,
		})
		if err != nil && !isConflict(err) {
			return fmt.Errorf("create %s property group: %w", objectType, err)
		}
	}
	var errs []error
	for _, def := range missing {
		def.GroupName = group
		if _, err := w.post(ctx, fmt.Sprintf("/crm/v3/properties/%s", objectType), def); err != nil && !isConflict(err) {
			errs = append(errs, fmt.Errorf("create %s.%s: %w", objectType, def.Name, err))
		}
	}
	log.Printf("Provisioned %d properties on %s", len(missing)-len(errs), objectType)
	return errors.Join(errs...)
}

// BatchUpsert writes payloads matched on their idempotency key, in chunks of
// the destination batch size. Every payload gets exactly one outcome.
func (w *DestinationWriter) BatchUpsert(ctx context.Context, e EntityType, payloads []UpsertPayload) []UpsertOutcome {
	objectType, err := w.objectType(e)
	if err != nil {
		return failAll(payloads, err)
	}
	var result []UpsertOutcome
	for chunk := range slices.Chunk(payloads, w.batchSize()) {
		result = append(result, w.upsertChunk(ctx, objectType, chunk)...)
	}
	return result
}

func failAll(payloads []UpsertPayload, err error) []UpsertOutcome {
	result := make([]UpsertOutcome, len(payloads))
	for i, p := range payloads {
		result[i] = UpsertOutcome{ID: p.ID, Outcome: OutcomeFailed, Err: err}
	}
	return result
}

func (w *DestinationWriter) upsertChunk(ctx context.Context, objectType string, chunk []UpsertPayload) []UpsertOutcome {
	response, err := w.post(ctx, fmt.Sprintf("/crm/v3/objects/%s/batch/upsert", objectType), map[string]interface{}{
		"inputs": chunk,
	})
	if err != nil {
		if errors.Is(err, ErrValidation) && len(chunk) > 1 {
			// isolate the offending records
			var result []UpsertOutcome
			for i := range chunk {
				result = append(result, w.upsertChunk(ctx, objectType, chunk[i:i+1])...)
			}
			return result
		}
		return failAll(chunk, err)
	}
	outcomes := map[string]UpsertOutcome{}
	idProperty := chunk[0].IDProperty
	for _, r := range response.Get("results").Array() {
		id := r.Get("properties." + gjsonEscape(idProperty)).String()
		outcome := OutcomeUpdated
		if r.Get("new").Bool() {
			outcome = OutcomeCreated
		}
		outcomes[id] = UpsertOutcome{ID: id, DestinationID: r.Get("id").String(), Outcome: outcome}
	}
	for _, e := range response.Get("errors").Array() {
		msg := e.Get("message").String()
		for _, id := range e.Get("context.ids").Array() {
			outcomes[id.String()] = UpsertOutcome{
				ID:      id.String(),
				Outcome: OutcomeFailed,
				Err:     fmt.Errorf("%w: %s", ErrValidation, msg),
			}
		}
	}
	result := make([]UpsertOutcome, len(chunk))
	for i, p := range chunk {
		o, exists := outcomes[p.ID]
		if !exists {
			o = UpsertOutcome{ID: p.ID, Outcome: OutcomeFailed, Err: fmt.Errorf("%s %s missing from upsert response", objectType, p.ID)}
		}
		result[i] = o
	}
	return result
}

// gjsonEscape escapes the gjson path syntax characters of a property name.
func gjsonEscape(s string) string {
	var out []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// EnsureAssociationDefinition returns the id of a user defined association
// label, creating it the first time it is needed.
func (w *DestinationWriter) EnsureAssociationDefinition(ctx context.Context, from, to EntityType, relation string) (int, error) {
	fromObject, err := w.objectType(from)
	if err != nil {
		return 0, err
	}
	toObject, err := w.objectType(to)
	if err != nil {
		return 0, err
	}
	key := AssociationCacheKey(fromObject, toObject, relation)

	w.mu.Lock()
	defer w.mu.Unlock()
	if id, exists := w.relationIDs[key]; exists {
		return id, nil
	}
	if id, exists, err := w.Cache.Get(key); err != nil {
		log.Printf("Warning: association cache get %s: %v", key, err)
	} else if exists {
		w.relationIDs[key] = id
		return id, nil
	}

	labelsPath := fmt.Sprintf("/crm/v4/associations/%s/%s/labels", fromObject, toObject)
	label := PropertyLabel(relation)
	labels, err := w.get(ctx, labelsPath)
	if err != nil {
		return 0, fmt.Errorf("list %s labels: %w", key, err)
	}
	id, found := findAssociationLabel(labels, label)
	if !found {
		created, err := w.post(ctx, labelsPath, map[string]interface{}{
			"label": label,
			"name":  relation,
		})
		if err != nil {
			return 0, fmt.Errorf("create %s label: %w", key, err)
		}
		if id, found = findAssociationLabel(created, label); !found {
			return 0, fmt.Errorf("create %s label: %w: no type id in response", key, ErrTransientServer)
		}
	}
	w.relationIDs[key] = id
	if err := w.Cache.Put(key, id); err != nil {
		log.Printf("Warning: association cache put %s: %v", key, err)
	}
	return id, nil
}

// ClearAssociationCache forgets every known association type id, in memory
// and in the cache, so the next run looks the labels up again.
func (w *DestinationWriter) ClearAssociationCache() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.relationIDs = make(map[string]int)
	return w.Cache.Clear()
}

func findAssociationLabel(response gjson.Result, label string) (int, bool) {
	for _, r := range response.Get("results").Array() {
		if r.Get("category").String() == AssociationCategory && r.Get("label").String() == label {
			return int(r.Get("typeId").Int()), true
		}
	}
	return 0, false
}

type associationGroup struct {
	from, to EntityType
	relation string
}

// BatchAssociate creates edges grouped by relation. Existing edges are left
// as they are by the destination, so repeating a run creates nothing new.
func (w *DestinationWriter) BatchAssociate(ctx context.Context, edges []AssociationEdge) []AssociationOutcome {
	var groups []associationGroup
	grouped := map[associationGroup][]AssociationEdge{}
	for _, edge := range edges {
		g := associationGroup{from: edge.FromType, to: edge.ToType, relation: edge.Relation}
		if _, exists := grouped[g]; !exists {
			groups = append(groups, g)
		}
		grouped[g] = append(grouped[g], edge)
	}
	var result []AssociationOutcome
	for _, g := range groups {
		result = append(result, w.associateGroup(ctx, g, grouped[g])...)
	}
	return result
}

func failEdges(edges []AssociationEdge, err error) []AssociationOutcome {
	result := make([]AssociationOutcome, len(edges))
	for i, edge := range edges {
		result[i] = AssociationOutcome{Edge: edge, Err: err}
	}
	return result
}

func (w *DestinationWriter) associateGroup(ctx context.Context, g associationGroup, edges []AssociationEdge) []AssociationOutcome {
	typeID, err := w.EnsureAssociationDefinition(ctx, g.from, g.to, g.relation)
	if err != nil {
		return failEdges(edges, err)
	}
	fromObject, _ := w.objectType(g.from)
	toObject, _ := w.objectType(g.to)
	createPath := fmt.Sprintf("/crm/v4/associations/%s/%s/batch/create", fromObject, toObject)

	var result []AssociationOutcome
	for chunk := range slices.Chunk(edges, w.batchSize()) {
		inputs := make([]map[string]interface{}, len(chunk))
		for i, edge := range chunk {
			inputs[i] = map[string]interface{}{
				"from": map[string]string{"id": edge.FromID},
				"to":   map[string]string{"id": edge.ToID},
				"types": []map[string]interface{}{{
					"associationCategory": AssociationCategory,
					"associationTypeId":   typeID,
				}},
			}
		}
		response, err := w.post(ctx, createPath, map[string]interface{}{"inputs": inputs})
		if err != nil {
			result = append(result, failEdges(chunk, err)...)
			continue
		}
		failed := associationErrors(response)
		for _, edge := range chunk {
			err, exists := failed[edge.FromID+"->"+edge.ToID]
			if !exists {
				err = failed[edge.FromID]
			}
			result = append(result, AssociationOutcome{Edge: edge, Err: err})
		}
	}
	return result
}

// associationErrors indexes batch create errors by "from->to" when the error
// names the target ids, otherwise by the from id alone.
func associationErrors(response gjson.Result) map[string]error {
	failed := map[string]error{}
	for _, e := range response.Get("errors").Array() {
		err := fmt.Errorf("%w: %s", ErrValidation, e.Get("message").String())
		toIDs := e.Get("context.toObjectId").Array()
		for _, from := range e.Get("context.fromObjectId").Array() {
			if len(toIDs) == 0 {
				failed[from.String()] = err
				continue
			}
			for _, to := range toIDs {
				failed[from.String()+"->"+to.String()] = err
			}
		}
	}
	return failed
}
