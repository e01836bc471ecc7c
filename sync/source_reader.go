package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	SourceModifiedSinceFormat = time.RFC3339
	DefaultSourcePageSize     = 100
)

// SourceClient is the credentialed connection to the source system.
type SourceClient interface {
	Authenticate(ctx context.Context) (string, error)
	Get(ctx context.Context, path string, query url.Values) (gjson.Result, error)
}

type SourceError map[string]interface{}

// BackendClient talks to the source API using OAuth client credentials.
// Tokens are cached and refreshed by the underlying token source.
type BackendClient struct {
	Settings SourceSettings
	// RecordDir, when set, records every exchange for replay in tests.
	RecordDir string

	tokens oauth2.TokenSource
}

func NewBackendClient(settings SourceSettings) *BackendClient {
	cc := clientcredentials.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		TokenURL:     settings.TokenURL,
		Scopes:       settings.Scopes,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: HTTPRequestTimeout})
	return &BackendClient{
		Settings: settings,
		tokens:   cc.TokenSource(tokenCtx),
	}
}

// APIBuilder returns a new requests.Builder configured for the source API.
func (b *BackendClient) APIBuilder() *requests.Builder {
	apiBuilder := requests.
		URL(b.Settings.BaseURL).
		Client(&http.Client{Timeout: HTTPRequestTimeout})
	if b.RecordDir != "" {
		apiBuilder = apiBuilder.Transport(requests.Record(nil, path.Join(b.RecordDir, "source")))
	}
	return apiBuilder
}

func (b *BackendClient) Authenticate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token, err := b.tokens.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return "", fmt.Errorf("source token: %w: %w", ErrTransientServer, err)
		}
		return "", fmt.Errorf("source token: %w: %w", ErrAuthentication, err)
	}
	return token.AccessToken, nil
}

func (b *BackendClient) Get(ctx context.Context, path string, query url.Values) (gjson.Result, error) {
	token, err := b.Authenticate(ctx)
	if err != nil {
		return gjson.Result{}, err
	}
	sourceError := SourceError{}
	var json string
	builder := b.APIBuilder().
		Path(path).
		Bearer(token).
		ToString(&json).
		ErrorJSON(&sourceError)
	for k, v := range query {
		builder = builder.Param(k, v...)
	}
	err = builder.Fetch(ctx)
	if err != nil {
		log.Printf("Source Error: %+v", sourceError)
		return gjson.Result{}, classifyHTTPError("source get "+path, err)
	}
	if !gjson.Valid(json) {
		log.Printf("Invalid Source Response:\n%s", json)
		return gjson.Result{}, fmt.Errorf("source get %s: %w: invalid json response", path, ErrTransientServer)
	}
	return gjson.Parse(json), nil
}

// CheckConnection verifies the source credentials.
func (b *BackendClient) CheckConnection(ctx context.Context) error {
	_, err := b.Authenticate(ctx)
	return err
}

// SourceReader exposes paginated source records per entity type.
type SourceReader struct {
	Client SourceClient
	Config Config
	Retry  RetryPolicy

	// pause waits between pages, replaced in tests.
	pause func(ctx context.Context, d time.Duration) error
}

func NewSourceReader(client SourceClient, config Config) *SourceReader {
	return &SourceReader{
		Client: client,
		Config: config,
		Retry:  config.Sync.Retry,
		pause:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *SourceReader) pageSize() int {
	if r.Config.Source.PageSize > 0 {
		return r.Config.Source.PageSize
	}
	return DefaultSourcePageSize
}

// Fetch returns the records of an entity type modified after since (the zero
// time fetches everything). Each range over the sequence paginates from the start.
func (r *SourceReader) Fetch(ctx context.Context, e EntityType, since time.Time) iter.Seq2[SourceRecord, error] {
	return func(yield func(SourceRecord, error) bool) {
		ec, exists := r.Config.Entities[e]
		if !exists {
			yield(SourceRecord{}, fmt.Errorf("%w: %s", ErrUnknownEntity, e))
			return
		}
		limit := r.pageSize()
		offset := 0
		for page := 0; ; page++ {
			if page > 0 {
				if err := r.pause(ctx, r.Config.Source.PageDelay); err != nil {
					yield(SourceRecord{}, err)
					return
				}
			}
			query := url.Values{}
			query.Set("offset", strconv.Itoa(offset))
			query.Set("limit", strconv.Itoa(limit))
			if !since.IsZero() {
				query.Set("modifiedSince", since.UTC().Format(SourceModifiedSinceFormat))
			}
			var result gjson.Result
			operation := fmt.Sprintf("fetch %s page %d", e, page)
			err := r.Retry.Do(ctx, operation, func() error {
				var err error
				result, err = r.Client.Get(ctx, ec.Path, query)
				return err
			})
			if err != nil {
				yield(SourceRecord{}, err)
				return
			}
			items := result.Get("data").Array()
			for _, item := range items {
				if !yield(NewSourceRecord(e, ec, Source{data: item}), nil) {
					return
				}
			}
			offset += len(items)
			if len(items) == 0 || int64(offset) >= result.Get("total").Int() {
				return
			}
		}
	}
}

// Lookup fetches a single record by its source id.
func (r *SourceReader) Lookup(ctx context.Context, e EntityType, id string) (SourceRecord, bool, error) {
	ec, exists := r.Config.Entities[e]
	if !exists {
		return SourceRecord{}, false, fmt.Errorf("%w: %s", ErrUnknownEntity, e)
	}
	var result gjson.Result
	err := r.Retry.Do(ctx, fmt.Sprintf("lookup %s %s", e, id), func() error {
		var err error
		result, err = r.Client.Get(ctx, path.Join(ec.Path, url.PathEscape(id)), nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrValidation) {
			// not found surfaces as a validation class status
			return SourceRecord{}, false, nil
		}
		return SourceRecord{}, false, err
	}
	data := result.Get("data")
	if !data.Exists() {
		return SourceRecord{}, false, nil
	}
	return NewSourceRecord(e, ec, Source{data: data}), true, nil
}

// CollectRecords drains a record sequence, stopping at the first error.
func CollectRecords(seq iter.Seq2[SourceRecord, error]) ([]SourceRecord, error) {
	var result []SourceRecord
	for record, err := range seq {
		if err != nil {
			return result, err
		}
		result = append(result, record)
	}
	return result, nil
}
