package account

import (
	"context"
	"errors"

	"e2e_multidevice/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoRepo struct {
	collection *mongo.Collection
}

func NewMongoRepo(db *mongo.Database) *MongoRepo {
	return &MongoRepo{
		collection: db.Collection("accounts"),
	}
}

func (r *MongoRepo) Create(ctx context.Context, acc *Account) error {
	_, err := r.collection.InsertOne(ctx, acc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrExists
	}
	return err
}

func (r *MongoRepo) Get(ctx context.Context, name string) (*Account, error) {
	var acc Account
	err := r.collection.FindOne(ctx, bson.M{"_id": name}).Decode(&acc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *MongoRepo) AddDevice(ctx context.Context, name string, dev Device) error {
	filter := bson.M{"_id": name, "devices.id": bson.M{"$ne": dev.ID}}
	res, err := r.collection.UpdateOne(ctx, filter, bson.M{"$push": bson.M{"devices": dev}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepo) updateDevice(ctx context.Context, name string, deviceID uint32, set bson.M) error {
	filter := bson.M{"_id": name, "devices.id": deviceID}
	res, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepo) SetKeys(ctx context.Context, name string, deviceID uint32, identity model.IdentityKey, spk model.SignedPreKeyPublic, preKeys []model.PreKeyPublic) error {
	if preKeys == nil {
		preKeys = []model.PreKeyPublic{}
	}
	return r.updateDevice(ctx, name, deviceID, bson.M{
		"identityKey":            identity,
		"devices.$.signedPreKey": spk,
		"devices.$.preKeys":      preKeys,
	})
}

func (r *MongoRepo) SetPushToken(ctx context.Context, name string, deviceID uint32, token string) error {
	return r.updateDevice(ctx, name, deviceID, bson.M{"devices.$.pushToken": token})
}

func (r *MongoRepo) Touch(ctx context.Context, name string, deviceID uint32, at int64) error {
	return r.updateDevice(ctx, name, deviceID, bson.M{"devices.$.lastSeen": at})
}

func (r *MongoRepo) PopPreKey(ctx context.Context, name string, deviceID uint32) (*model.PreKeyPublic, error) {
	filter := bson.M{"_id": name, "devices": bson.M{"$elemMatch": bson.M{"id": deviceID, "preKeys.0": bson.M{"$exists": true}}}}
	update := bson.M{"$pop": bson.M{"devices.$.preKeys": -1}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var before Account
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dev := before.Device(deviceID)
	if dev == nil || len(dev.PreKeys) == 0 {
		return nil, nil
	}
	pk := dev.PreKeys[0]
	return &pk, nil
}
