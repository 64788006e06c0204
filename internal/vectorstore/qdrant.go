// Package vectorstore indexes node embeddings in Qdrant and answers
// nearest-neighbour queries for cues and recall.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Payload fields stored with every point.
const (
	refKey    = "ref"
	nodeIDKey = "node_id"
	kindKey   = "kind"
)

// refNamespace derives point ids for references that are not UUIDs.
var refNamespace = uuid.MustParse("6f1c1a4e-3f0e-4b7e-9a53-2f1f5f0c9d11")

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Collection string `json:"collection" yaml:"collection"`
}

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg QdrantConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates the named cosine collection if it does not exist.
// An existing collection must have the embedding dimension, otherwise every
// upsert would be rejected later.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	info, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		size := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if size != 0 && size != dimension {
			return fmt.Errorf("collection %s has dimension %d, embeddings have %d", name, size, dimension)
		}
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// NodePoint is the embedding of one knowledge node.
type NodePoint struct {
	Ref    string
	NodeID string
	Kind   string
	Vector []float32
}

// UpsertNodes writes node embeddings keyed by their embedding reference.
func (c *Client) UpsertNodes(ctx context.Context, collection string, nodes ...NodePoint) error {
	if len(nodes) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, 0, len(nodes))
	for _, n := range nodes {
		points = append(points, &pb.PointStruct{
			Id:      pointID(n.Ref),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: n.Vector}}},
			Payload: map[string]*pb.Value{
				refKey:    stringValue(n.Ref),
				nodeIDKey: stringValue(n.NodeID),
				kindKey:   stringValue(n.Kind),
			},
		})
	}
	wait := true
	if _, err := c.points.Upsert(ctx, &pb.UpsertPoints{CollectionName: collection, Wait: &wait, Points: points}); err != nil {
		return fmt.Errorf("upsert %d node vectors into %s: %w", len(points), collection, err)
	}
	return nil
}

// DeleteRefs removes the points of the given embedding references. Unknown
// references are ignored by Qdrant.
func (c *Client) DeleteRefs(ctx context.Context, collection string, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	ids := make([]*pb.PointId, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, pointID(ref))
	}
	wait := true
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: ids}},
		},
	})
	if err != nil {
		return fmt.Errorf("delete %d node vectors from %s: %w", len(refs), collection, err)
	}
	return nil
}

// Match is one nearest-neighbour result.
type Match struct {
	Ref   string
	Score float32
}

// Nearest returns the embedding references closest to vector.
func (c *Client) Nearest(ctx context.Context, collection string, vector []float32, topK uint64) ([]Match, error) {
	resp, err := c.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          topK,
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Include{
			Include: &pb.PayloadIncludeSelector{Fields: []string{refKey}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		matches = append(matches, Match{Ref: refOf(r), Score: r.Score})
	}
	return matches, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// PointID maps an embedding reference to a Qdrant point id. UUID references
// are used as they are; anything else gets a stable name-based UUID.
func PointID(ref string) string {
	if id, err := uuid.Parse(ref); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(refNamespace, []byte(ref)).String()
}

func pointID(ref string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(ref)}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// refOf reads the embedding reference of a hit, falling back to the point id
// for points written without payload.
func refOf(p *pb.ScoredPoint) string {
	if v, ok := p.GetPayload()[refKey]; ok {
		if ref := v.GetStringValue(); ref != "" {
			return ref
		}
	}
	return p.GetId().GetUuid()
}
