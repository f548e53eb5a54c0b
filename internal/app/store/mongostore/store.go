// Package mongostore implements store.Backend on MongoDB: projects live in
// collection rt_config_data, change events in rt_config_publish keyed by a
// microsecond timestamp with a monotonic per-writer tiebreaker so
// high-frequency writes never collide (SPEC_FULL.md §4.A/§6/§9). Subscribers
// poll rt_config_publish for tsp greater than their last-seen value; a
// background sweep deletes entries older than the current day. Grounded on
// rtconfig/backend.py's MongodbBackend, using go.mongodb.org/mongo-driver.
package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreflux/rtcfgd/internal/app/domain/authuser"
	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/pkg/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	configCollection  = "rt_config_data"
	publishCollection = "rt_config_publish"
	authCollection    = "rt_auth_data"

	defaultPollInterval = time.Second
)

// configRecord stores the project document as a JSON string rather than a
// native bson subdocument: Document carries its own custom JSON
// marshal/unmarshal (flattening reserved namespaces), which bson struct tags
// cannot express without duplicating that logic.
type configRecord struct {
	ConfigName string    `bson:"config_name"`
	Data       string    `bson:"data"`
	Created    time.Time `bson:"created"`
	Lut        time.Time `bson:"lut"`
}

func marshalDoc(doc *project.Document) (string, error) {
	raw, err := json.Marshal(doc)
	return string(raw), err
}

func unmarshalDoc(raw string, doc *project.Document) error {
	return json.Unmarshal([]byte(raw), doc)
}

func marshalEvent(event store.Event) ([]byte, error) { return json.Marshal(event) }

func unmarshalEvent(raw []byte) (store.Event, error) {
	var event store.Event
	err := json.Unmarshal(raw, &event)
	return event, err
}

// databaseName extracts the database name from a MongoDB connection URI,
// matching pymongo.uri_parser.parse_uri's {"database": ...} result.
func databaseName(mongoURL string) (string, error) {
	u, err := url.Parse(mongoURL)
	if err != nil {
		return "", fmt.Errorf("mongostore: parse url: %w", err)
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "", fmt.Errorf("mongostore: connection url %q has no database name", mongoURL)
	}
	return name, nil
}

type publishRecord struct {
	Tsp     int64     `bson:"tsp"`
	Message string    `bson:"message"`
	Created time.Time `bson:"created"`
}

// Store is a MongoDB-backed store.Backend.
type Store struct {
	client       *mongo.Client
	db           *mongo.Database
	log          *logger.Logger
	pollInterval time.Duration
	seq          int64

	mu      sync.Mutex
	subs    []store.Handler
	lastTsp int64
	cancel  context.CancelFunc
}

// New connects to mongoURL and starts the polling subscriber loop.
func New(ctx context.Context, mongoURL string, log *logger.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURL))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	dbName, err := databaseName(mongoURL)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	s := &Store{
		client:       client,
		db:           client.Database(dbName),
		log:          log,
		pollInterval: defaultPollInterval,
		lastTsp:      time.Now().UnixMicro() * 1000,
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.pollLoop(pollCtx)
	go s.sweepLoop(pollCtx)

	return s, nil
}

func (s *Store) collection(name string) *mongo.Collection { return s.db.Collection(name) }

func (s *Store) Read(ctx context.Context, name string, requireExists bool) (*project.Document, error) {
	var rec configRecord
	err := s.collection(configCollection).FindOne(ctx, bson.M{"config_name": name}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		if requireExists {
			return nil, project.NotFound(name)
		}
		return project.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find %s: %w", name, err)
	}
	doc := &project.Document{}
	if err := unmarshalDoc(rec.Data, doc); err != nil {
		return nil, fmt.Errorf("mongostore: decode %s: %w", name, err)
	}
	return doc, nil
}

func (s *Store) Write(ctx context.Context, name string, doc *project.Document, merge bool) error {
	if merge {
		existing, err := s.Read(ctx, name, false)
		if err != nil {
			return err
		}
		doc = project.MergeDocuments(existing, doc)
	}
	raw, err := marshalDoc(doc)
	if err != nil {
		return fmt.Errorf("mongostore: encode %s: %w", name, err)
	}
	now := time.Now()
	_, err = s.collection(configCollection).UpdateOne(ctx,
		bson.M{"config_name": name},
		bson.M{
			"$set":         bson.M{"data": raw, "lut": now},
			"$setOnInsert": bson.M{"config_name": name, "created": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: upsert %s: %w", name, err)
	}
	return s.Publish(ctx, store.ConfigChanged(name))
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.collection(configCollection).DeleteOne(ctx, bson.M{"config_name": name}); err != nil {
		return fmt.Errorf("mongostore: delete %s: %w", name, err)
	}
	return s.Publish(ctx, store.ConfigChanged(name))
}

func (s *Store) Iter(ctx context.Context) ([]store.Item, error) {
	cur, err := s.collection(configCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: find all: %w", err)
	}
	defer cur.Close(ctx)

	var items []store.Item
	for cur.Next(ctx) {
		var rec configRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("mongostore: decode record: %w", err)
		}
		doc := &project.Document{}
		if err := unmarshalDoc(rec.Data, doc); err != nil {
			return nil, fmt.Errorf("mongostore: decode %s: %w", rec.ConfigName, err)
		}
		items = append(items, store.Item{Name: rec.ConfigName, Document: doc})
	}
	return items, cur.Err()
}

// Publish appends a publish record keyed by a microsecond timestamp plus a
// monotonic per-writer sequence, avoiding the collision the original backend
// left unhandled under high-frequency writes.
func (s *Store) Publish(ctx context.Context, event store.Event) error {
	raw, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("mongostore: encode event: %w", err)
	}
	seq := atomic.AddInt64(&s.seq, 1)
	tsp := time.Now().UnixMicro()*1000 + seq%1000

	_, err = s.collection(publishCollection).InsertOne(ctx, publishRecord{
		Tsp:     tsp,
		Message: string(raw),
		Created: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("mongostore: insert publish record: %w", err)
	}
	return nil
}

func (s *Store) Subscribe(handler store.Handler) func() {
	s.mu.Lock()
	s.subs = append(s.subs, handler)
	idx := len(s.subs) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.subs) {
			s.subs[idx] = nil
		}
	}
}

func (s *Store) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Store) poll(ctx context.Context) {
	s.mu.Lock()
	since := s.lastTsp
	s.mu.Unlock()

	cur, err := s.collection(publishCollection).Find(ctx,
		bson.M{"tsp": bson.M{"$gt": since}},
		options.Find().SetSort(bson.M{"tsp": 1}),
	)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("mongostore: poll failed")
		}
		return
	}
	defer cur.Close(ctx)

	var maxTsp = since
	var records []publishRecord
	for cur.Next(ctx) {
		var rec publishRecord
		if err := cur.Decode(&rec); err != nil {
			continue
		}
		records = append(records, rec)
		if rec.Tsp > maxTsp {
			maxTsp = rec.Tsp
		}
	}

	if len(records) == 0 {
		return
	}

	s.mu.Lock()
	s.lastTsp = maxTsp
	handlers := append([]store.Handler(nil), s.subs...)
	s.mu.Unlock()

	for _, rec := range records {
		event, err := unmarshalEvent([]byte(rec.Message))
		if err != nil {
			continue
		}
		for _, h := range handlers {
			if h != nil {
				h(ctx, event)
			}
		}
	}
}

func (s *Store) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			y, m, d := time.Now().Date()
			cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.Local).UnixMicro() * 1000
			_, _ = s.collection(publishCollection).DeleteMany(ctx, bson.M{"tsp": bson.M{"$lt": cutoff}})
		}
	}
}

func (s *Store) Users() store.UserStore { return &userStore{col: s.collection(authCollection)} }

func (s *Store) Close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.client.Disconnect(ctx)
}

type userStore struct {
	col *mongo.Collection
}

func (u *userStore) Get(ctx context.Context, username string) (authuser.User, bool, error) {
	var user authuser.User
	err := u.col.FindOne(ctx, bson.M{"username": username}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return authuser.User{}, false, nil
	}
	if err != nil {
		return authuser.User{}, false, fmt.Errorf("mongostore: find user %s: %w", username, err)
	}
	return user, true, nil
}

func (u *userStore) GetByToken(ctx context.Context, token string) (authuser.User, bool, error) {
	var user authuser.User
	err := u.col.FindOne(ctx, bson.M{"token": token}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return authuser.User{}, false, nil
	}
	if err != nil {
		return authuser.User{}, false, fmt.Errorf("mongostore: find user by token: %w", err)
	}
	return user, true, nil
}

func (u *userStore) Put(ctx context.Context, user authuser.User) error {
	_, err := u.col.UpdateOne(ctx,
		bson.M{"username": user.Username},
		bson.M{"$set": user},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: upsert user %s: %w", user.Username, err)
	}
	return nil
}
