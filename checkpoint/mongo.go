package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/flowforge/orchestrator/model"
)

// MongoStore is a MongoDB implementation of Store. It persists checkpoints
// for durability across restarts, mirroring the teacher's registry mongo
// store (registry/store/mongo/mongo.go): one collection, a document struct,
// and translation helpers to and from the domain type.
//
// Write-once semantics are enforced by the document's _id, which encodes
// (thread_id, checkpoint_id): a second Put for the same pair hits Mongo's
// unique index on _id and surfaces as ErrAlreadyExists, so there is no
// read-then-write race between the existence check and the insert.
type MongoStore struct {
	collection *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

type checkpointDocument struct {
	ID                 string `bson:"_id"`
	ThreadID           string `bson:"thread_id"`
	CheckpointID       string `bson:"checkpoint_id"`
	ParentCheckpointID string `bson:"parent_checkpoint_id,omitempty"`
	State              []byte `bson:"state"`
	Metadata           []byte `bson:"metadata,omitempty"`
	CreatedAt          int64  `bson:"created_at"`
}

func docID(threadID, checkpointID string) string {
	return threadID + "/" + checkpointID
}

// NewMongoStore creates a new MongoDB-backed checkpoint store using the
// given collection. Callers must ensure a unique index on _id exists (the
// default MongoDB primary key index already provides this).
func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

func (s *MongoStore) Put(ctx context.Context, cp model.Checkpoint) error {
	stateBytes, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state: %w", err)
	}
	var metaBytes []byte
	if cp.Metadata != nil {
		metaBytes, err = json.Marshal(cp.Metadata)
		if err != nil {
			return fmt.Errorf("checkpoint: marshal metadata: %w", err)
		}
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = nowFunc()
	}
	doc := checkpointDocument{
		ID:                 docID(cp.ThreadID, cp.CheckpointID),
		ThreadID:           cp.ThreadID,
		CheckpointID:       cp.CheckpointID,
		ParentCheckpointID: cp.ParentCheckpointID,
		State:              stateBytes,
		Metadata:           metaBytes,
		CreatedAt:          cp.CreatedAt.UnixNano(),
	}
	_, err = s.collection.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("checkpoint: mongodb put %s: %w", doc.ID, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, threadID, checkpointID string) (model.Checkpoint, error) {
	var doc checkpointDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": docID(threadID, checkpointID)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: mongodb get %s/%s: %w", threadID, checkpointID, err)
	}
	return fromDocument(doc)
}

func (s *MongoStore) Latest(ctx context.Context, threadID string) (model.Checkpoint, error) {
	rows, err := s.List(ctx, threadID)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if len(rows) == 0 {
		return model.Checkpoint{}, ErrNotFound
	}
	referenced := make(map[string]struct{}, len(rows))
	for _, cp := range rows {
		if cp.ParentCheckpointID != "" {
			referenced[cp.ParentCheckpointID] = struct{}{}
		}
	}
	var latest model.Checkpoint
	found := false
	for _, cp := range rows {
		if _, isParent := referenced[cp.CheckpointID]; isParent {
			continue
		}
		if !found || cp.CreatedAt.After(latest.CreatedAt) {
			latest = cp
			found = true
		}
	}
	if !found {
		return model.Checkpoint{}, ErrNotFound
	}
	return latest, nil
}

func (s *MongoStore) List(ctx context.Context, threadID string) ([]model.Checkpoint, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"thread_id": threadID})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: mongodb list %s: %w", threadID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []checkpointDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("checkpoint: mongodb list decode %s: %w", threadID, err)
	}
	out := make([]model.Checkpoint, 0, len(docs))
	for _, doc := range docs {
		cp, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func fromDocument(doc checkpointDocument) (model.Checkpoint, error) {
	var state model.WorkflowState
	if err := json.Unmarshal(doc.State, &state); err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: unmarshal state: %w", err)
	}
	var metadata map[string]any
	if len(doc.Metadata) > 0 {
		if err := json.Unmarshal(doc.Metadata, &metadata); err != nil {
			return model.Checkpoint{}, fmt.Errorf("checkpoint: unmarshal metadata: %w", err)
		}
	}
	return model.Checkpoint{
		ThreadID:           doc.ThreadID,
		CheckpointID:       doc.CheckpointID,
		ParentCheckpointID: doc.ParentCheckpointID,
		State:              state,
		Metadata:           metadata,
		CreatedAt:          unixNanoToTime(doc.CreatedAt),
	}, nil
}
