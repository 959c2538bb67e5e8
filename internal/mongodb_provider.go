package internal

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBProvider keeps one document per map, datasets inline.
type MongoDBProvider struct {
	*providerBase
	DB *mongo.Database

	cfg    MongoDBConfig
	connMu sync.Mutex
}

func NewMongoDBProvider(cfg *Config, store CredentialStore, logger zerolog.Logger) (CloudProvider, error) {
	mc := cfg.Providers.MongoDB
	if mc == nil {
		return nil, errNotConfigured
	}

	return &MongoDBProvider{
		providerBase: newProviderBase("mongodb", "MongoDB", NewCapabilities(PrivateStorage, ShareURLs), cfg, store, logger),
		cfg:          *mc,
	}, nil
}

func (p *MongoDBProvider) IsEnabled() bool {
	return p.cfg.URL != ""
}

func (p *MongoDBProvider) collection(ctx context.Context) (*mongo.Collection, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.DB == nil {
		u, err := url.Parse(p.cfg.URL)
		if err != nil {
			return nil, newProviderError(p.name, KindConfig, "Invalid MongoDB URL: %s", err)
		}
		if len(u.Path) < 2 {
			return nil, newProviderError(p.name, KindConfig, "No database specified")
		}

		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(p.cfg.URL))
		if err != nil {
			return nil, err
		}
		p.DB = client.Database(u.Path[1:])
	}

	return p.DB.Collection("visualizations"), nil
}

func (p *MongoDBProvider) Login(ctx context.Context) error {
	if p.AccessToken() != "" {
		return nil
	}
	done, err := p.beginLogin()
	if err != nil {
		return err
	}
	defer done()

	if !p.IsEnabled() {
		return p.fail(newProviderError(p.name, KindConfig, "No URL set for MongoDB provider"))
	}
	if p.cfg.Owner == "" {
		return p.fail(newProviderError(p.name, KindConfig, "No owner set for MongoDB provider"))
	}

	coll, err := p.collection(ctx)
	if err != nil {
		return p.fail(err)
	}
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner", Value: 1}, {Key: "updated_at", Value: -1}},
	})
	if err != nil {
		return p.fail(err)
	}

	if err := p.saveCredentials(ctx, map[string]string{
		tokenField:    newMapID(),
		usernameField: p.cfg.Owner,
	}); err != nil {
		return p.fail(err)
	}
	p.logger.Info().Str("user", p.cfg.Owner).Str("database", p.DB.Name()).Msg("Logged in")
	return nil
}

func (p *MongoDBProvider) UploadMap(ctx context.Context, payload *MapPayload, opts UploadOptions) (*UploadResult, error) {
	owner, err := p.requireLogin()
	if err != nil {
		return nil, p.fail(err)
	}
	if err := payload.Validate(); err != nil {
		return nil, p.fail(newProviderError(p.name, KindConstraint, "%s", err))
	}
	coll, err := p.collection(ctx)
	if err != nil {
		return nil, p.fail(err)
	}

	plan := p.planUpload(owner, payload, opts, newMapID)
	rec, err := newRecord(plan, owner, payload)
	if err != nil {
		return nil, p.fail(err)
	}

	files, statuses, err := encodeDatasets(ctx, payload.Datasets, opts.OnStatus)
	if err != nil {
		return nil, p.fail(err)
	}
	for i := range rec.Datasets {
		rec.Datasets[i].File = files[i]
	}

	if plan.Update {
		var existing visualizationRecord
		err := coll.FindOne(ctx, bson.M{"_id": rec.ID, "owner": owner}).Decode(&existing)
		if err == nil {
			rec.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			markFailed(statuses, err, opts.OnStatus)
			return nil, p.fail(err)
		}
	}

	_, err = coll.ReplaceOne(ctx, bson.M{"_id": rec.ID, "owner": owner}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		markFailed(statuses, err, opts.OnStatus)
		return nil, p.fail(err)
	}

	p.logger.Info().Str("map", plan.ID).Int("datasets", len(files)).Bool("update", plan.Update).Msg("Map saved")
	return p.finishUpload(plan, owner, payload, markUploaded(statuses, opts.OnStatus)), nil
}

func (p *MongoDBProvider) DownloadMap(ctx context.Context, params LoadParams) (*MapPayload, error) {
	if err := p.checkAccess(params); err != nil {
		return nil, p.fail(err)
	}
	coll, err := p.collection(ctx)
	if err != nil {
		return nil, p.fail(err)
	}

	var rec visualizationRecord
	filter := bson.M{"_id": params.MapID, "owner": params.Owner, "private": params.Private}
	err = coll.FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, p.fail(p.notFound(params.MapID))
	}
	if err != nil {
		return nil, p.fail(err)
	}

	payload, err := rec.payload(inlineFile)
	if err != nil {
		return nil, p.fail(err)
	}

	p.setCurrent(rec.ref())
	return payload, nil
}

func (p *MongoDBProvider) ListMaps(ctx context.Context) ([]Visualization, error) {
	owner, err := p.requireLogin()
	if err != nil {
		return nil, p.fail(err)
	}
	coll, err := p.collection(ctx)
	if err != nil {
		return nil, p.fail(err)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetProjection(bson.M{"datasets": 0, "config": 0})
	cur, err := coll.Find(ctx, bson.M{"owner": owner}, findOpts)
	if err != nil {
		return nil, p.fail(err)
	}
	defer cur.Close(ctx)

	list := []Visualization{}
	for cur.Next(ctx) {
		var rec visualizationRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, p.fail(err)
		}
		list = append(list, rec.summary())
	}
	if err := cur.Err(); err != nil {
		return nil, p.fail(err)
	}

	return sortVisualizations(list), nil
}

// Close disconnects the client, if one was opened.
func (p *MongoDBProvider) Close(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.DB == nil {
		return nil
	}
	err := p.DB.Client().Disconnect(ctx)
	p.DB = nil
	return err
}
