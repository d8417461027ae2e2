package hitl

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/model"
)

// MongoStore is a MongoDB-backed Store, mirroring the shape of
// checkpoint.MongoStore and the teacher's registry mongo store
// (registry/store/mongo/mongo.go): a document struct plus translation
// helpers, with ReplaceOne (upsert disabled) used for Update so
// record_decision and the expiry sweeper can mutate an existing row in place.
type MongoStore struct {
	collection *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

type approvalDocument struct {
	ID            string  `bson:"_id"`
	WorkflowID    string  `bson:"workflow_id"`
	ThreadID      string  `bson:"thread_id"`
	CheckpointID  string  `bson:"checkpoint_id"`
	RiskLevel     string  `bson:"risk_level"`
	RequiredRole  string  `bson:"required_role"`
	Status        string  `bson:"status"`
	CreatedAt     int64   `bson:"created_at"`
	ExpiresAt     int64   `bson:"expires_at"`
	DecidedAt     *int64  `bson:"decided_at,omitempty"`
	DecidedBy     string  `bson:"decided_by,omitempty"`
	Justification string  `bson:"justification,omitempty"`
	ExternalRef   string  `bson:"external_ref,omitempty"`
}

// NewMongoStore constructs a MongoDB-backed Store over collection.
func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

func (s *MongoStore) Put(ctx context.Context, req model.ApprovalRequest) error {
	_, err := s.collection.InsertOne(ctx, toApprovalDocument(req))
	if mongo.IsDuplicateKeyError(err) {
		return apperrors.New(apperrors.KindConflict, "hitl: request_id already exists")
	}
	if err != nil {
		return fmt.Errorf("hitl: mongodb put %s: %w", req.RequestID, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, requestID string) (model.ApprovalRequest, error) {
	var doc approvalDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": requestID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.ApprovalRequest{}, apperrors.New(apperrors.KindNotFound, "hitl: request not found")
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("hitl: mongodb get %s: %w", requestID, err)
	}
	return fromApprovalDocument(doc), nil
}

func (s *MongoStore) Update(ctx context.Context, req model.ApprovalRequest) error {
	opts := options.Replace().SetUpsert(false)
	result, err := s.collection.ReplaceOne(ctx, bson.M{"_id": req.RequestID}, toApprovalDocument(req), opts)
	if err != nil {
		return fmt.Errorf("hitl: mongodb update %s: %w", req.RequestID, err)
	}
	if result.MatchedCount == 0 {
		return apperrors.New(apperrors.KindNotFound, "hitl: request not found")
	}
	return nil
}

func (s *MongoStore) ListPending(ctx context.Context) ([]model.ApprovalRequest, error) {
	return s.find(ctx, bson.M{"status": string(model.ApprovalPending)})
}

func (s *MongoStore) ListExpirable(ctx context.Context, asOf time.Time) ([]model.ApprovalRequest, error) {
	return s.find(ctx, bson.M{
		"status":     string(model.ApprovalPending),
		"expires_at": bson.M{"$lt": asOf.UnixNano()},
	})
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]model.ApprovalRequest, error) {
	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("hitl: mongodb find: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []approvalDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("hitl: mongodb find decode: %w", err)
	}
	out := make([]model.ApprovalRequest, len(docs))
	for i, doc := range docs {
		out[i] = fromApprovalDocument(doc)
	}
	return out, nil
}

func toApprovalDocument(req model.ApprovalRequest) approvalDocument {
	var decidedAt *int64
	if req.DecidedAt != nil {
		ns := req.DecidedAt.UnixNano()
		decidedAt = &ns
	}
	return approvalDocument{
		ID:            req.RequestID,
		WorkflowID:    req.WorkflowID,
		ThreadID:      req.ThreadID,
		CheckpointID:  req.CheckpointID,
		RiskLevel:     string(req.RiskLevel),
		RequiredRole:  string(req.RequiredRole),
		Status:        string(req.Status),
		CreatedAt:     req.CreatedAt.UnixNano(),
		ExpiresAt:     req.ExpiresAt.UnixNano(),
		DecidedAt:     decidedAt,
		DecidedBy:     req.DecidedBy,
		Justification: req.Justification,
		ExternalRef:   req.ExternalRef,
	}
}

func fromApprovalDocument(doc approvalDocument) model.ApprovalRequest {
	var decidedAt *time.Time
	if doc.DecidedAt != nil {
		t := time.Unix(0, *doc.DecidedAt).UTC()
		decidedAt = &t
	}
	return model.ApprovalRequest{
		RequestID:     doc.ID,
		WorkflowID:    doc.WorkflowID,
		ThreadID:      doc.ThreadID,
		CheckpointID:  doc.CheckpointID,
		RiskLevel:     model.RiskLevel(doc.RiskLevel),
		RequiredRole:  model.Role(doc.RequiredRole),
		Status:        model.ApprovalStatus(doc.Status),
		CreatedAt:     time.Unix(0, doc.CreatedAt).UTC(),
		ExpiresAt:     time.Unix(0, doc.ExpiresAt).UTC(),
		DecidedAt:     decidedAt,
		DecidedBy:     doc.DecidedBy,
		Justification: doc.Justification,
		ExternalRef:   doc.ExternalRef,
	}
}
