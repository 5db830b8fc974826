package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/synthlab/chatgate/internal/token"
)

// Document is one retrieved chunk with its stored payload.
type Document struct {
	Content  string
	Metadata map[string]string
}

// Index is the retrieval surface callers hold: embed texts in, search top-k
// out. *Store is the Qdrant-backed implementation.
type Index interface {
	AddTexts(ctx context.Context, texts []string, metadata map[string]string) (int, error)
	SimilaritySearch(ctx context.Context, query string, k int) ([]Document, error)
}

var _ Index = (*Store)(nil)

// Store wraps one Qdrant collection: chunk, embed, upsert, and similarity
// search. Collections are per-deployment, namespaced by payload metadata.
type Store struct {
	client     *qdrant.Client
	embedder   Embedder
	collection string
	enc        token.Tokenizer
	chunkSize  int
}

// NewStore connects and ensures the collection exists with a cosine-distance
// vector config sized to the embedder.
func NewStore(ctx context.Context, host string, port int, embedder Embedder, collection string) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	s := &Store{
		client:     client,
		embedder:   embedder,
		collection: collection,
		enc:        token.Estimator{},
		chunkSize:  DefaultChunkTokens,
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", s.collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.embedder.Dimensions()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %q: %w", s.collection, err)
	}
	return nil
}

// AddTexts chunks each text by token window, embeds all chunks in one call,
// and upserts them with the shared metadata. Returns the number of chunks
// stored.
func (s *Store) AddTexts(ctx context.Context, texts []string, metadata map[string]string) (int, error) {
	var chunks []string
	for _, t := range texts {
		chunks = append(chunks, ChunkByTokens(s.enc, t, s.chunkSize)...)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := s.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]any{"content": chunk}
		for k, v := range metadata {
			payload[k] = v
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuid.NewString()),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return len(points), nil
}

// SimilaritySearch embeds the query and returns the k nearest documents.
func (s *Store) SimilaritySearch(ctx context.Context, query string, k int) ([]Document, error) {
	if k <= 0 {
		k = 3
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vectors[0]...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", s.collection, err)
	}

	docs := make([]Document, 0, len(points))
	for _, p := range points {
		doc := Document{Metadata: map[string]string{}}
		for k, v := range p.GetPayload() {
			if k == "content" {
				doc.Content = v.GetStringValue()
				continue
			}
			doc.Metadata[k] = v.GetStringValue()
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Close releases the underlying gRPC connection.
func (s *Store) Close() error { return s.client.Close() }
