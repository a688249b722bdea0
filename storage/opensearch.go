package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	"github.com/opensearch-project/opensearch-go/v4/opensearchutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// maxHits bounds FindAll; one snapshot holds one document per security
// server, far below the default result window.
const maxHits = 10000

// OpenSearchStore is a DocumentStore backed by an OpenSearch cluster.
type OpenSearchStore struct {
	client    *opensearch.Client
	transport *http.Transport
	log       *zap.Logger
}

// NewOpenSearchStore creates a client for the cluster at urls.
func NewOpenSearchStore(urls []string, username, password string, skipCertVerification bool, log *zap.Logger) (*OpenSearchStore, error) {
	log.Info("creating OpenSearch client",
		zap.Strings("urls", urls), zap.Bool("skipCertVerification", skipCertVerification))

	tp := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: skipCertVerification},
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: urls,
		Username:  username,
		Password:  password,
		Transport: tp,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create opensearch client for %s", urls)
	}
	return &OpenSearchStore{client: client, transport: tp, log: log}, nil
}

// do performs req and returns the response body of a successful call.
// Not found responses report found=false with a nil error.
func (s *OpenSearchStore) do(ctx context.Context, req opensearch.Request, op string) (body []byte, found bool, err error) {
	res, err := s.client.Do(ctx, req, nil)
	if res != nil && res.Body != nil {
		defer res.Body.Close()
		body, _ = io.ReadAll(res.Body)
	}
	if res != nil && res.StatusCode == http.StatusNotFound {
		return body, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, op)
	}
	if res.IsError() {
		s.log.Error("error response from OpenSearch",
			zap.String("op", op), zap.String("status", res.Status()), zap.ByteString("body", body))
		return nil, false, errors.Errorf("%s: [%s] %s", op, res.Status(), strings.TrimSpace(string(body)))
	}
	return body, true, nil
}

func (s *OpenSearchStore) CreateIndex(ctx context.Context, name string) error {
	req := opensearchapi.IndicesCreateReq{
		Index: name,
		Body:  strings.NewReader(`{"settings":{"index":{"number_of_replicas":0}}}`),
	}
	if _, found, err := s.do(ctx, req, "create index "+name); err != nil {
		return err
	} else if !found {
		return errors.Errorf("create index %s: not found", name)
	}
	s.log.Debug("index created", zap.String("index", name))
	return nil
}

func (s *OpenSearchStore) Save(ctx context.Context, collection, id string, doc any) (string, error) {
	req := opensearchapi.IndexReq{
		Index:      collection,
		DocumentID: id,
		Body:       opensearchutil.NewJSONReader(doc),
	}
	body, found, err := s.do(ctx, req, fmt.Sprintf("index document %s/%s", collection, id))
	if err != nil {
		return "", err
	}
	if !found {
		return "", errors.Errorf("index document %s/%s: not found", collection, id)
	}
	var r struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return "", errors.Wrap(err, "decode index response")
	}
	if r.ID == "" {
		r.ID = id
	}
	return r.ID, nil
}

func (s *OpenSearchStore) Load(ctx context.Context, collection, id string) (map[string]any, error) {
	body, found, err := s.do(ctx, opensearchapi.DocumentGetReq{Index: collection, DocumentID: id},
		fmt.Sprintf("get document %s/%s", collection, id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	var r struct {
		Found  bool           `json:"found"`
		Source map[string]any `json:"_source"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, errors.Wrap(err, "decode get response")
	}
	if !r.Found {
		return nil, ErrNotFound
	}
	return r.Source, nil
}

func (s *OpenSearchStore) IndexExists(ctx context.Context, name string) (bool, error) {
	_, found, err := s.do(ctx, opensearchapi.IndicesExistsReq{Indices: []string{name}}, "index exists "+name)
	return found, err
}

func (s *OpenSearchStore) AliasExists(ctx context.Context, name string) (bool, error) {
	req := opensearchapi.AliasExistsReq{Indices: []string{"_all"}, Alias: []string{name}}
	_, found, err := s.do(ctx, req, "alias exists "+name)
	return found, err
}

func (s *OpenSearchStore) AliasIndexes(ctx context.Context, alias string) ([]string, error) {
	// Without an index the client builds "//_alias/<name>", which is sent
	// as the index GET of <name>.
	req := opensearchapi.AliasGetReq{Indices: []string{"_all"}, Alias: []string{alias}}
	body, found, err := s.do(ctx, req, "get alias "+alias)
	if err != nil || !found {
		return nil, err
	}
	// {"<index>": {"aliases": {"<alias>": {}}}, ...}
	var r map[string]json.RawMessage
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, errors.Wrap(err, "decode alias response")
	}
	out := make([]string, 0, len(r))
	for index := range r {
		out = append(out, index)
	}
	sort.Strings(out)
	return out, nil
}

type aliasAction map[string]map[string]string

func (s *OpenSearchStore) updateAliases(ctx context.Context, actions []aliasAction, op string) error {
	body := map[string]any{"actions": actions}
	_, found, err := s.do(ctx, opensearchapi.AliasesReq{Body: opensearchutil.NewJSONReader(body)}, op)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("%s: index not found", op)
	}
	return nil
}

func (s *OpenSearchStore) AddIndexToAlias(ctx context.Context, index, alias string) error {
	return s.updateAliases(ctx, []aliasAction{
		{"add": {"index": index, "alias": alias}},
	}, fmt.Sprintf("add %s to alias %s", index, alias))
}

func (s *OpenSearchStore) RemoveAllIndexesFromAlias(ctx context.Context, alias string) error {
	indexes, err := s.AliasIndexes(ctx, alias)
	if err != nil || len(indexes) == 0 {
		return err
	}
	actions := make([]aliasAction, 0, len(indexes))
	for _, index := range indexes {
		actions = append(actions, aliasAction{"remove": {"index": index, "alias": alias}})
	}
	return s.updateAliases(ctx, actions, "clear alias "+alias)
}

// SwapAlias sends every remove and the add in one _aliases request, which
// the cluster applies atomically.
func (s *OpenSearchStore) SwapAlias(ctx context.Context, alias, index string) ([]string, error) {
	current, err := s.AliasIndexes(ctx, alias)
	if err != nil {
		return nil, err
	}
	var previous []string
	actions := make([]aliasAction, 0, len(current)+1)
	for _, old := range current {
		if old == index {
			continue
		}
		previous = append(previous, old)
		actions = append(actions, aliasAction{"remove": {"index": old, "alias": alias}})
	}
	actions = append(actions, aliasAction{"add": {"index": index, "alias": alias}})

	if err := s.updateAliases(ctx, actions, fmt.Sprintf("swap alias %s to %s", alias, index)); err != nil {
		return nil, err
	}
	s.log.Debug("alias swapped", zap.String("alias", alias), zap.String("index", index), zap.Strings("previous", previous))
	return previous, nil
}

func (s *OpenSearchStore) RemoveIndex(ctx context.Context, name string) error {
	_, found, err := s.do(ctx, opensearchapi.IndicesDeleteReq{Indices: []string{name}}, "delete index "+name)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrNotFound, "delete index %s", name)
	}
	return nil
}

func (s *OpenSearchStore) Flush(ctx context.Context, indexes ...string) error {
	_, found, err := s.do(ctx, opensearchapi.IndicesRefreshReq{Indices: indexes},
		"refresh "+strings.Join(indexes, ","))
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("refresh %s: index not found", strings.Join(indexes, ","))
	}
	return nil
}

// FindAll runs one match_all search; the search is served from a single
// point-in-time view of the indexes the alias resolved to.
func (s *OpenSearchStore) FindAll(ctx context.Context, collection string) ([]Hit, error) {
	query := map[string]any{
		"query": map[string]any{"match_all": map[string]any{}},
		"size":  maxHits,
	}
	req := opensearchapi.SearchReq{
		Indices: []string{collection},
		Body:    opensearchutil.NewJSONReader(&query),
	}
	body, found, err := s.do(ctx, req, "search "+collection)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var r struct {
		Hits struct {
			Hits []struct {
				ID     string         `json:"_id"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, errors.Wrap(err, "decode search response")
	}
	hits := make([]Hit, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		hits = append(hits, Hit{ID: h.ID, Source: h.Source})
	}
	return hits, nil
}

// Close releases idle connections.
func (s *OpenSearchStore) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}
