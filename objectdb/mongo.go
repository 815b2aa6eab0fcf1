package objectdb

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/multierr"

	"go.viam.com/tod/logging"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// mongoModel is the stored document of a model. Descriptors are kept as one binary blob since
// their words use the full uint64 range.
type mongoModel struct {
	ID              string                 `bson:"_id"`
	ObjectID        string                 `bson:"object_id"`
	Method          string                 `bson:"method"`
	SessionID       string                 `bson:"session_id"`
	CreatedAt       time.Time              `bson:"created_at"`
	Submethod       map[string]interface{} `bson:"submethod,omitempty"`
	Parameters      map[string]interface{} `bson:"parameters,omitempty"`
	Points          [][3]float64           `bson:"points"`
	DescriptorWords int                    `bson:"descriptor_words"`
	Descriptors     []byte                 `bson:"descriptors"`
	Observations    []int                  `bson:"observations,omitempty"`
}

type mongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     logging.Logger
}

// NewMongoStore connects to the mongodb deployment at uri and stores models in the given
// database and collection.
func NewMongoStore(ctx context.Context, uri, database, collection string, logger logging.Logger) (Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect to mongodb")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "cannot reach mongodb"), client.Disconnect(ctx))
	}
	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "object_id", Value: 1}, {Key: "method", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "cannot create model index"), client.Disconnect(ctx))
	}
	logger.Debugw("opened model store", "type", "mongodb", "database", database, "collection", collection)
	return &mongoStore{client: client, collection: coll, logger: logger}, nil
}

func (ms *mongoStore) SaveModel(ctx context.Context, model *Model) error {
	if err := model.Validate(); err != nil {
		return err
	}
	descBlob, words, err := descriptors.MarshalDescriptors(model.Descriptors)
	if err != nil {
		return err
	}
	doc := mongoModel{
		ID:              model.ID,
		ObjectID:        model.ObjectID,
		Method:          model.Method,
		SessionID:       model.SessionID,
		CreatedAt:       model.CreatedAt,
		Submethod:       model.Submethod,
		Parameters:      model.Parameters,
		Points:          make([][3]float64, len(model.Points)),
		DescriptorWords: words,
		Descriptors:     descBlob,
		Observations:    model.Observations,
	}
	for i, p := range model.Points {
		doc.Points[i] = [3]float64{p.X, p.Y, p.Z}
	}
	filter := bson.M{"object_id": model.ObjectID, "method": model.Method}
	// the id of a replaced document cannot change
	if _, err := ms.collection.DeleteOne(ctx, bson.M{
		"object_id": model.ObjectID, "method": model.Method, "_id": bson.M{"$ne": model.ID},
	}); err != nil {
		return errors.Wrapf(err, "cannot replace model of object %q", model.ObjectID)
	}
	if _, err := ms.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return errors.Wrapf(err, "cannot save model of object %q", model.ObjectID)
	}
	ms.logger.Debugw("saved model", "object_id", model.ObjectID, "method", model.Method, "points", len(model.Points))
	return nil
}

func (ms *mongoStore) LoadModels(ctx context.Context, method string, objectIDs []string) ([]*Model, error) {
	if len(objectIDs) == 0 {
		cursor, err := ms.collection.Find(ctx, bson.M{"method": method},
			options.Find().SetSort(bson.D{{Key: "object_id", Value: 1}}))
		if err != nil {
			return nil, errors.Wrap(err, "cannot query models")
		}
		var docs []mongoModel
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, errors.Wrap(err, "cannot decode models")
		}
		models := make([]*Model, 0, len(docs))
		for i := range docs {
			m, err := docs[i].toModel()
			if err != nil {
				return nil, err
			}
			models = append(models, m)
		}
		return models, nil
	}

	models := make([]*Model, 0, len(objectIDs))
	for _, id := range objectIDs {
		var doc mongoModel
		err := ms.collection.FindOne(ctx, bson.M{"object_id": id, "method": method}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewModelNotFoundError(id, method)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "cannot load model of object %q", id)
		}
		m, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

func (ms *mongoStore) Close(ctx context.Context) error {
	return ms.client.Disconnect(ctx)
}

func (doc *mongoModel) toModel() (*Model, error) {
	descs, err := descriptors.UnmarshalDescriptors(doc.Descriptors, doc.DescriptorWords)
	if err != nil {
		return nil, errors.Wrapf(err, "model of object %q", doc.ObjectID)
	}
	m := &Model{
		ID:           doc.ID,
		ObjectID:     doc.ObjectID,
		Method:       doc.Method,
		SessionID:    doc.SessionID,
		CreatedAt:    doc.CreatedAt.UTC(),
		Submethod:    doc.Submethod,
		Parameters:   doc.Parameters,
		Points:       make([]r3.Vector, len(doc.Points)),
		Descriptors:  descs,
		Observations: doc.Observations,
	}
	for i, p := range doc.Points {
		m.Points[i] = r3.Vector{X: p[0], Y: p[1], Z: p[2]}
	}
	return m, nil
}
