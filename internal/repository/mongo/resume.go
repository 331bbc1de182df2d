// Package mongo persists resume records: the minimal torrent posture
// flushed best-effort at shutdown and re-admitted at startup. It is not a
// catalog; nothing here is served to clients.
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentcast/internal/domain"
)

const resumeCollection = "resume"

type ResumeStore struct {
	collection *mongo.Collection
}

type resumeDoc struct {
	ID      string `bson:"_id"` // infohash, lowercase hex
	Magnet  string `bson:"magnet"`
	Name    string `bson:"name"`
	State   string `bson:"state"`
	AddedAt int64  `bson:"addedAt"`
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	return mongo.Connect(ctx, opts...)
}

func NewResumeStore(client *mongo.Client, dbName string) *ResumeStore {
	return &ResumeStore{collection: client.Database(dbName).Collection(resumeCollection)}
}

// Flush upserts the current posture of every torrent and prunes records
// for torrents no longer present.
func (s *ResumeStore) Flush(ctx context.Context, records []domain.ResumeRecord) error {
	if s == nil || s.collection == nil {
		return nil
	}

	keep := make([]string, 0, len(records))
	for _, rec := range records {
		doc := resumeDoc{
			ID:      string(rec.Hash),
			Magnet:  rec.Magnet,
			Name:    rec.Name,
			State:   string(rec.State),
			AddedAt: rec.AddedAt.UTC().Unix(),
		}
		keep = append(keep, doc.ID)
		_, err := s.collection.UpdateOne(ctx,
			bson.M{"_id": doc.ID},
			bson.M{"$set": doc},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return err
		}
	}

	_, err := s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$nin": keep}})
	return err
}

func (s *ResumeStore) Load(ctx context.Context) ([]domain.ResumeRecord, error) {
	if s == nil || s.collection == nil {
		return nil, nil
	}

	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []resumeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]domain.ResumeRecord, 0, len(docs))
	for _, doc := range docs {
		hash, err := domain.ParseInfoHash(doc.ID)
		if err != nil {
			continue
		}
		out = append(out, domain.ResumeRecord{
			Hash:    hash,
			Magnet:  doc.Magnet,
			Name:    doc.Name,
			State:   domain.TorrentState(doc.State),
			AddedAt: time.Unix(doc.AddedAt, 0).UTC(),
		})
	}
	return out, nil
}
