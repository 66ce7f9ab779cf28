package visit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Collection names in the clinic document database
const (
	VisitsCollection   = "visits"
	UsersCollection    = "users"
	PatientsCollection = "patients"
)

type visitDocument struct {
	ID            any            `bson:"_id"`
	PatientID     any            `bson:"patientId"`
	DoctorID      any            `bson:"doctorId"`
	Date          time.Time      `bson:"date"`
	Status        string         `bson:"status"`
	Prescriptions []Prescription `bson:"prescriptions"`
}

type userDocument struct {
	ID        any    `bson:"_id"`
	Name      string `bson:"name"`
	Specialty string `bson:"specialty"`
}

// MongoStore reads visits from a MongoDB database
type MongoStore struct {
	db     *mongo.Database
	logger *zap.Logger
}

// ConnectMongo opens a client, pings it and returns the named database
func ConnectMongo(ctx context.Context, uri, database string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client.Database(database), nil
}

// NewMongoStore creates a new MongoDB-backed visit store
func NewMongoStore(db *mongo.Database, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{db: db, logger: logger}
}

// PatientExists reports whether a patient document exists
func (s *MongoStore) PatientExists(ctx context.Context, patientID string) (bool, error) {
	n, err := s.db.Collection(PatientsCollection).CountDocuments(ctx,
		bson.M{"_id": documentID(patientID)},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("check patient: %w", err)
	}
	return n > 0, nil
}

// CompletedVisits returns the patient's completed visits, newest first
func (s *MongoStore) CompletedVisits(ctx context.Context, patientID string, q Query) ([]Visit, error) {
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit)).SetSkip(int64(q.Offset()))
	}

	cursor, err := s.db.Collection(VisitsCollection).Find(ctx, visitFilter(patientID, q), opts)
	if err != nil {
		return nil, fmt.Errorf("find visits: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []visitDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode visits: %w", err)
	}

	doctors, err := s.doctors(ctx, docs)
	if err != nil {
		return nil, err
	}

	visits := make([]Visit, 0, len(docs))
	for _, d := range docs {
		doctorID := idString(d.DoctorID)
		doc := doctors[doctorID]
		visits = append(visits, Visit{
			ID:            idString(d.ID),
			PatientID:     idString(d.PatientID),
			Date:          d.Date,
			Status:        Status(d.Status),
			Doctor:        Doctor{ID: doctorID, Name: doc.Name, Specialty: doc.Specialty},
			Prescriptions: d.Prescriptions,
		})
	}
	return visits, nil
}

// CountCompletedVisits counts visits matching q, ignoring pagination
func (s *MongoStore) CountCompletedVisits(ctx context.Context, patientID string, q Query) (int64, error) {
	n, err := s.db.Collection(VisitsCollection).CountDocuments(ctx, visitFilter(patientID, q))
	if err != nil {
		return 0, fmt.Errorf("count visits: %w", err)
	}
	return n, nil
}

func (s *MongoStore) doctors(ctx context.Context, docs []visitDocument) (map[string]userDocument, error) {
	out := make(map[string]userDocument)
	var ids []any
	seen := make(map[string]bool)
	for _, d := range docs {
		key := idString(d.DoctorID)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		ids = append(ids, d.DoctorID)
	}
	if len(ids) == 0 {
		return out, nil
	}

	cursor, err := s.db.Collection(UsersCollection).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("find doctors: %w", err)
	}
	defer cursor.Close(ctx)

	var users []userDocument
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode doctors: %w", err)
	}
	for _, u := range users {
		out[idString(u.ID)] = u
	}
	if len(users) < len(ids) {
		s.logger.Debug("Some prescribing doctors not found",
			zap.Int("requested", len(ids)),
			zap.Int("found", len(users)),
		)
	}
	return out, nil
}

func visitFilter(patientID string, q Query) bson.M {
	filter := bson.M{
		"patientId":       documentID(patientID),
		"status":          string(StatusCompleted),
		"prescriptions.0": bson.M{"$exists": true},
	}
	date := bson.M{}
	if q.From != nil {
		date["$gte"] = *q.From
	}
	if q.To != nil {
		date["$lte"] = *q.To
	}
	if len(date) > 0 {
		filter["date"] = date
	}
	return filter
}

// documentID converts hex ids to ObjectIDs and passes other ids through
func documentID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}
