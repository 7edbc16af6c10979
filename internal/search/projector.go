// Package search keeps the Elasticsearch permission index in step with the
// system of record and serves free-text queries over it.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/richardliu001/permissions-service/internal/model"
	"github.com/richardliu001/permissions-service/internal/sink"
)

// Document is the denormalized search record for one permission.
type Document struct {
	ID                        uint64     `json:"id"`
	EmployeeForename          string     `json:"forename"`
	EmployeeSurname           string     `json:"surname"`
	FullName                  string     `json:"fullName"`
	PermissionTypeID          uint64     `json:"permissionTypeId"`
	PermissionTypeDescription string     `json:"permissionTypeDescription"`
	PermissionDate            model.Date `json:"date"`
	CreatedAt                 time.Time  `json:"createdAt"`
	UpdatedAt                 *time.Time `json:"updatedAt,omitempty"`
}

// NewDocument projects a snapshot into its indexed form.
func NewDocument(s model.PermissionSnapshot) Document {
	return Document{
		ID:                        s.ID,
		EmployeeForename:          s.EmployeeForename,
		EmployeeSurname:           s.EmployeeSurname,
		FullName:                  strings.TrimSpace(s.EmployeeForename + " " + s.EmployeeSurname),
		PermissionTypeID:          s.PermissionTypeID,
		PermissionTypeDescription: s.PermissionTypeDescription,
		PermissionDate:            s.PermissionDate,
		CreatedAt:                 s.CreatedAt,
		UpdatedAt:                 s.UpdatedAt,
	}
}

const indexMapping = `{
  "mappings": {
    "properties": {
      "id":                        {"type": "long"},
      "forename":                  {"type": "text"},
      "surname":                   {"type": "text"},
      "fullName":                  {"type": "text"},
      "permissionTypeId":          {"type": "long"},
      "permissionTypeDescription": {"type": "text", "fields": {"keyword": {"type": "keyword"}}},
      "date":                      {"type": "date", "format": "yyyy-MM-dd"},
      "createdAt":                 {"type": "date"},
      "updatedAt":                 {"type": "date"}
    }
  }
}`

// Projector writes documents keyed by permission id, so every write is an
// idempotent overwrite and redelivery is harmless.
type Projector struct {
	es    *elasticsearch.Client
	index string
	log   *zap.SugaredLogger
}

// NewClient builds an Elasticsearch client. transport may be nil.
func NewClient(addresses []string, username, password string, transport http.RoundTripper) (*elasticsearch.Client, error) {
	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
		Transport: transport,
	})
}

// NewProjector targets index on es.
func NewProjector(es *elasticsearch.Client, index string, log *zap.SugaredLogger) *Projector {
	return &Projector{es: es, index: index, log: log}
}

// EnsureIndex creates the index with its mapping when it does not exist yet.
func (p *Projector) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{p.index}}.Do(ctx, p.es)
	if err != nil {
		return fmt.Errorf("check index %s: %w", p.index, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	res, err = esapi.IndicesCreateRequest{
		Index: p.index,
		Body:  strings.NewReader(indexMapping),
	}.Do(ctx, p.es)
	if err != nil {
		return fmt.Errorf("create index %s: %w", p.index, err)
	}
	defer res.Body.Close()
	// a racing relay may have created it first
	if res.IsError() && !strings.Contains(readBody(res), "resource_already_exists_exception") {
		return fmt.Errorf("create index %s: %s", p.index, res.Status())
	}
	return nil
}

// Upsert writes doc under its id.
func (p *Projector) Upsert(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return sink.Permanent(fmt.Errorf("encode document %d: %w", doc.ID, err))
	}
	res, err := esapi.IndexRequest{
		Index:      p.index,
		DocumentID: strconv.FormatUint(doc.ID, 10),
		Body:       bytes.NewReader(body),
	}.Do(ctx, p.es)
	if err != nil {
		return sink.Transient(fmt.Errorf("index document %d: %w", doc.ID, err))
	}
	defer res.Body.Close()
	if res.IsError() {
		return classify(res, fmt.Sprintf("index document %d", doc.ID))
	}
	return nil
}

// Delete removes the document for id. A missing document counts as deleted.
func (p *Projector) Delete(ctx context.Context, id uint64) error {
	res, err := esapi.DeleteRequest{
		Index:      p.index,
		DocumentID: strconv.FormatUint(id, 10),
	}.Do(ctx, p.es)
	if err != nil {
		return sink.Transient(fmt.Errorf("delete document %d: %w", id, err))
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return classify(res, fmt.Sprintf("delete document %d", id))
	}
	return nil
}

// Dispatch applies one search-index outbox row.
func (p *Projector) Dispatch(ctx context.Context, msg model.OutboxMessage) error {
	payload, err := sink.DecodePayload(msg)
	if err != nil {
		return err
	}
	switch payload.Operation {
	case model.OperationCreated, model.OperationModified:
		return p.Upsert(ctx, NewDocument(payload.Snapshot))
	case model.OperationDeleted:
		return p.Delete(ctx, payload.Snapshot.ID)
	default:
		return sink.Permanent(fmt.Errorf("outbox %d: unknown operation %q", msg.ID, payload.Operation))
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source Document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a fuzzy multi-field match over names and type description.
func (p *Projector) Search(ctx context.Context, term string, size int) ([]Document, error) {
	if size <= 0 {
		size = 20
	}
	query := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":     term,
				"fields":    []string{"fullName^2", "forename", "surname", "permissionTypeDescription"},
				"fuzziness": "AUTO",
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	res, err := esapi.SearchRequest{
		Index: []string{p.index},
		Body:  bytes.NewReader(body),
	}.Do(ctx, p.es)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", p.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search %s: %s", p.index, res.Status())
	}
	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	docs := make([]Document, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		docs = append(docs, h.Source)
	}
	return docs, nil
}

// classify maps an error response onto the relay's retry vocabulary:
// throttling, timeouts and server faults are retried, other 4xx are not.
func classify(res *esapi.Response, op string) error {
	err := fmt.Errorf("%s: %s: %s", op, res.Status(), sink.Truncate(readBody(res), 512))
	switch {
	case res.StatusCode == http.StatusTooManyRequests,
		res.StatusCode == http.StatusRequestTimeout,
		res.StatusCode >= 500:
		return sink.Transient(err)
	default:
		return sink.Permanent(err)
	}
}

func readBody(res *esapi.Response) string {
	if res.Body == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return string(b)
}
