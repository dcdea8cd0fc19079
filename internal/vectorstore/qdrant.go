package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/logging"
)

// QdrantStore implements Store against a Qdrant server. Because a Qdrant
// collection is fixed-width, each logical collection fans out into one
// physical collection per supported dimension (archon_chunks_1536 and so on)
// and searches route by the query vector's width.
type QdrantStore struct {
	client *qdrant.Client
	log    zerolog.Logger
}

// NewQdrant connects to the Qdrant gRPC endpoint given as host:port.
func NewQdrant(addr string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindValidation, err, "parse qdrant address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindValidation, err, "parse qdrant port %q", portStr)
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "connect to qdrant at %s", addr)
	}
	return &QdrantStore{client: client, log: logging.Component("vectorstore.qdrant")}, nil
}

func physicalName(collection string, dim int) string {
	return fmt.Sprintf("archon_%s_%d", collection, dim)
}

func qdrantDistance(d Distance) qdrant.Distance {
	switch d {
	case DistanceEuclidean:
		return qdrant.Distance_Euclid
	case DistanceDot:
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Cosine
	}
}

// CreateCollection ensures the physical collections exist. A vectorSize of 0
// creates one collection per supported dimension.
func (q *QdrantStore) CreateCollection(ctx context.Context, name string, vectorSize int, distance Distance) error {
	if name != CollectionChunks && name != CollectionCodeExamples {
		return archerr.New(archerr.KindValidation, "unknown collection %q", name)
	}
	dims := Dimensions
	if vectorSize > 0 {
		if !SupportedDimension(vectorSize) {
			return archerr.New(archerr.KindValidation, "unsupported vector size %d", vectorSize)
		}
		dims = []int{vectorSize}
	}
	for _, dim := range dims {
		phys := physicalName(name, dim)
		exists, err := q.client.CollectionExists(ctx, phys)
		if err != nil {
			return archerr.Wrap(archerr.KindStore, err, "check collection %s", phys)
		}
		if exists {
			continue
		}
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: phys,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrantDistance(distance),
			}),
		})
		if err != nil {
			return archerr.Wrap(archerr.KindStore, err, "create collection %s", phys)
		}
		q.log.Info().Str("collection", phys).Int("dimension", dim).Msg("created qdrant collection")
	}
	return nil
}

// Upsert groups documents by dimension and writes each group to its physical
// collection in batches of batchSize. Invalid documents are reported per-item.
func (q *QdrantStore) Upsert(ctx context.Context, collection string, docs []*Document, batchSize int) ([]UpsertResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	results := make([]UpsertResult, 0, len(docs))
	byDim := make(map[int][]*qdrant.PointStruct)

	for _, doc := range docs {
		res := UpsertResult{ID: doc.ID}
		if err := ValidateDocument(doc); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		if err := ValidateEmbedding(doc.Embedding, 0); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		dim := len(doc.Embedding)
		byDim[dim] = append(byDim[dim], &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(collection, doc)),
			Vectors: qdrant.NewVectors(doc.Embedding...),
			Payload: qdrant.NewValueMap(docPayload(doc)),
		})
		results = append(results, res)
	}

	for dim, points := range byDim {
		phys := physicalName(collection, dim)
		for start := 0; start < len(points); start += batchSize {
			end := start + batchSize
			if end > len(points) {
				end = len(points)
			}
			_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: phys,
				Points:         points[start:end],
			})
			if err != nil {
				return results, archerr.Wrap(archerr.KindStore, err, "upsert into %s", phys)
			}
		}
	}
	return results, nil
}

// pointID derives a stable point identity per collection, so re-upserting a
// chunk overwrites its previous point instead of accumulating duplicates.
// Code example documents already carry a position-derived id; chunks key on
// (url, chunk_number) to match the SQLite store's upsert key.
func pointID(collection string, doc *Document) string {
	key := doc.URL + "#" + strconv.Itoa(doc.ChunkNumber)
	if collection == CollectionCodeExamples {
		key = doc.ID
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(collection+":"+key)).String()
}

func docPayload(doc *Document) map[string]any {
	payload := map[string]any{
		"id":              doc.ID,
		"source_id":       doc.SourceID,
		"url":             doc.URL,
		"chunk_number":    int64(doc.ChunkNumber),
		"content":         doc.Content,
		"embedding_model": doc.EmbeddingModel,
	}
	if doc.PageID != "" {
		payload["page_id"] = doc.PageID
	}
	if doc.Language != "" {
		payload["language"] = doc.Language
	}
	if doc.Summary != "" {
		payload["summary"] = doc.Summary
	}
	if doc.ContextBefore != "" {
		payload["context_before"] = doc.ContextBefore
	}
	if doc.ContextAfter != "" {
		payload["context_after"] = doc.ContextAfter
	}
	if len(doc.Metadata) > 0 {
		payload["metadata"] = doc.Metadata
	}
	return payload
}

// Search queries the physical collection matching the vector's width.
func (q *QdrantStore) Search(ctx context.Context, collection string, query []float32, opts SearchOptions) ([]Result, error) {
	if err := ValidateEmbedding(query, 0); err != nil {
		return nil, err
	}
	if opts.MatchCount <= 0 {
		opts.MatchCount = 5
	}
	phys := physicalName(collection, len(query))

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: phys,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(opts.MatchCount)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildQdrantFilter(NormalizeFilter(opts.Filter)),
	})
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "query %s", phys)
	}

	var results []Result
	for _, pt := range points {
		// Cosine scores land in [-1, 1]; map into [0, 1] to match the
		// SQLite store's scale.
		score := (float64(pt.Score) + 1) / 2
		if score < opts.SimilarityThreshold {
			continue
		}
		results = append(results, Result{Document: *pointToDocument(pt), Similarity: score})
	}
	sortResults(results)
	return results, nil
}

func pointToDocument(pt *qdrant.ScoredPoint) *Document {
	doc := &Document{ID: pt.GetId().GetUuid()}
	for key, val := range pt.GetPayload() {
		switch key {
		case "id":
			// The logical row id; the point id is derived from the
			// upsert key.
			if v := val.GetStringValue(); v != "" {
				doc.ID = v
			}
		case "source_id":
			doc.SourceID = val.GetStringValue()
		case "page_id":
			doc.PageID = val.GetStringValue()
		case "url":
			doc.URL = val.GetStringValue()
		case "chunk_number":
			doc.ChunkNumber = int(val.GetIntegerValue())
		case "content":
			doc.Content = val.GetStringValue()
		case "language":
			doc.Language = val.GetStringValue()
		case "summary":
			doc.Summary = val.GetStringValue()
		case "context_before":
			doc.ContextBefore = val.GetStringValue()
		case "context_after":
			doc.ContextAfter = val.GetStringValue()
		case "embedding_model":
			doc.EmbeddingModel = val.GetStringValue()
		case "metadata":
			if m, ok := valueToAny(val).(map[string]any); ok {
				doc.Metadata = m
			}
		}
	}
	return doc
}

func valueToAny(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_ListValue:
		out := make([]any, 0, len(k.ListValue.GetValues()))
		for _, item := range k.ListValue.GetValues() {
			out = append(out, valueToAny(item))
		}
		return out
	case *qdrant.Value_StructValue:
		out := make(map[string]any, len(k.StructValue.GetFields()))
		for key, val := range k.StructValue.GetFields() {
			out[key] = valueToAny(val)
		}
		return out
	default:
		return nil
	}
}

func buildQdrantFilter(filter map[string]any) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	known := map[string]bool{
		"id": true, "source_id": true, "url": true, "page_id": true,
		"chunk_number": true, "language": true,
	}
	var must []*qdrant.Condition
	for key, val := range filter {
		field := key
		if !known[key] {
			field = "metadata." + key
		}
		switch v := val.(type) {
		case string:
			must = append(must, qdrant.NewMatch(field, v))
		case []string:
			must = append(must, qdrant.NewMatchKeywords(field, v...))
		case []any:
			strs := make([]string, 0, len(v))
			for _, item := range v {
				strs = append(strs, fmt.Sprint(item))
			}
			must = append(must, qdrant.NewMatchKeywords(field, strs...))
		case int:
			must = append(must, qdrant.NewMatchInt(field, int64(v)))
		case int64:
			must = append(must, qdrant.NewMatchInt(field, v))
		case bool:
			must = append(must, qdrant.NewMatchBool(field, v))
		default:
			must = append(must, qdrant.NewMatch(field, fmt.Sprint(v)))
		}
	}
	return &qdrant.Filter{Must: must}
}

// Delete removes points matching the filter across every dimension variant
// of the logical collection, returning the number removed.
func (q *QdrantStore) Delete(ctx context.Context, collection string, filter map[string]any, batchSize int) (int, error) {
	qf := buildQdrantFilter(NormalizeFilter(filter))
	if qf == nil {
		return 0, archerr.New(archerr.KindValidation, "delete requires at least one filter criterion")
	}

	total := 0
	for _, dim := range Dimensions {
		phys := physicalName(collection, dim)
		exists, err := q.client.CollectionExists(ctx, phys)
		if err != nil || !exists {
			continue
		}
		count, err := q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: phys,
			Filter:         qf,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return total, archerr.Wrap(archerr.KindStore, err, "count matches in %s", phys)
		}
		if count == 0 {
			continue
		}
		_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: phys,
			Points:         qdrant.NewPointsSelectorFilter(qf),
		})
		if err != nil {
			return total, archerr.Wrap(archerr.KindStore, err, "delete from %s", phys)
		}
		total += int(count)
	}
	return total, nil
}

// UpdateMetadata overwrites the metadata payload field of one point. The
// point may live in any dimension variant.
func (q *QdrantStore) UpdateMetadata(ctx context.Context, collection, id string, metadata map[string]any) error {
	for _, dim := range Dimensions {
		phys := physicalName(collection, dim)
		exists, err := q.client.CollectionExists(ctx, phys)
		if err != nil || !exists {
			continue
		}
		points, err := q.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: phys,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
		})
		if err != nil || len(points) == 0 {
			continue
		}
		_, err = q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: phys,
			Payload:        qdrant.NewValueMap(map[string]any{"metadata": metadata}),
			PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDUUID(id)),
		})
		if err != nil {
			return archerr.Wrap(archerr.KindStore, err, "set payload on %s", phys)
		}
		return nil
	}
	return archerr.New(archerr.KindNotFound, "document %s not found in %s", id, collection)
}

// CollectionInfo sums point counts across the dimension variants.
func (q *QdrantStore) CollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	var total int64
	for _, dim := range Dimensions {
		phys := physicalName(collection, dim)
		exists, err := q.client.CollectionExists(ctx, phys)
		if err != nil || !exists {
			continue
		}
		count, err := q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: phys,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return nil, archerr.Wrap(archerr.KindStore, err, "count %s", phys)
		}
		total += int64(count)
	}
	return &CollectionInfo{Name: collection, Count: total}, nil
}

// ListCollections reports which logical collections have at least one
// physical variant present.
func (q *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := q.client.ListCollections(ctx)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "list collections")
	}
	seen := map[string]bool{}
	var out []string
	for _, logical := range []string{CollectionChunks, CollectionCodeExamples} {
		for _, dim := range Dimensions {
			phys := physicalName(logical, dim)
			for _, n := range names {
				if n == phys && !seen[logical] {
					seen[logical] = true
					out = append(out, logical)
				}
			}
		}
	}
	return out, nil
}

// HealthCheck probes the server and reports the collection inventory.
func (q *QdrantStore) HealthCheck(ctx context.Context) (*Health, error) {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return &Health{Status: "unreachable"}, nil
	}
	cols, err := q.ListCollections(ctx)
	if err != nil {
		return &Health{Connected: true, Status: "degraded"}, nil
	}
	return &Health{
		Connected:        true,
		CollectionsCount: len(cols),
		Collections:      cols,
		Status:           "healthy",
	}, nil
}

// Close releases the gRPC connection.
func (q *QdrantStore) Close() error { return q.client.Close() }
