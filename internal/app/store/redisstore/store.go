// Package redisstore implements store.Backend on top of a single Redis
// instance: the hash rt_config_data holds project documents, rt_auth_data
// holds admin credentials, and a pub/sub channel carries change events to
// every subscribed process. Grounded on rtconfig/backend.py's RedisBackend
// and rtconfig/auth.py's RedisAuthManager, using go-redis/redis/v8.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coreflux/rtcfgd/internal/app/domain/authuser"
	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/pkg/logger"
	"github.com/go-redis/redis/v8"
)

const (
	configDataKey = "rt_config_data"
	authDataKey   = "rt_auth_data"
)

// Store is a Redis-backed store.Backend.
type Store struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
	cancel  context.CancelFunc
}

// New connects to redisURL; the pub/sub listener for channel starts in
// Subscribe.
func New(ctx context.Context, redisURL, channel string, log *logger.Logger) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return &Store{client: client, channel: channel, log: log}, nil
}

func (s *Store) Read(ctx context.Context, name string, requireExists bool) (*project.Document, error) {
	raw, err := s.client.HGet(ctx, configDataKey, name).Result()
	if err == redis.Nil {
		if requireExists {
			return nil, project.NotFound(name)
		}
		return project.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: hget %s: %w", name, err)
	}
	doc := &project.Document{}
	if err := json.Unmarshal([]byte(raw), doc); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", name, err)
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
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", name, err)
	}
	if err := s.client.HSet(ctx, configDataKey, name, raw).Err(); err != nil {
		return fmt.Errorf("redisstore: hset %s: %w", name, err)
	}
	return s.Publish(ctx, store.ConfigChanged(name))
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.client.HDel(ctx, configDataKey, name).Err(); err != nil {
		return fmt.Errorf("redisstore: hdel %s: %w", name, err)
	}
	return s.Publish(ctx, store.ConfigChanged(name))
}

func (s *Store) Iter(ctx context.Context) ([]store.Item, error) {
	all, err := s.client.HGetAll(ctx, configDataKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: hgetall: %w", err)
	}
	items := make([]store.Item, 0, len(all))
	for name, raw := range all {
		doc := &project.Document{}
		if err := json.Unmarshal([]byte(raw), doc); err != nil {
			return nil, fmt.Errorf("redisstore: decode %s: %w", name, err)
		}
		items = append(items, store.Item{Name: name, Document: doc})
	}
	return items, nil
}

func (s *Store) Publish(ctx context.Context, event store.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redisstore: encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, raw).Err(); err != nil {
		return fmt.Errorf("redisstore: publish: %w", err)
	}
	return nil
}

func (s *Store) Subscribe(handler store.Handler) func() {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, s.channel)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event store.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					if s.log != nil {
						s.log.WithError(err).Warn("redisstore: discarding malformed event")
					}
					continue
				}
				handler(ctx, event)
			}
		}
	}()

	return cancel
}

func (s *Store) Users() store.UserStore { return &userStore{client: s.client} }

func (s *Store) Close(context.Context) error { return s.client.Close() }

type userStore struct {
	client *redis.Client
}

func (u *userStore) Get(ctx context.Context, username string) (authuser.User, bool, error) {
	raw, err := u.client.HGet(ctx, authDataKey, username).Result()
	if err == redis.Nil {
		return authuser.User{}, false, nil
	}
	if err != nil {
		return authuser.User{}, false, fmt.Errorf("redisstore: hget user %s: %w", username, err)
	}
	var user authuser.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return authuser.User{}, false, fmt.Errorf("redisstore: decode user %s: %w", username, err)
	}
	return user, true, nil
}

func (u *userStore) GetByToken(ctx context.Context, token string) (authuser.User, bool, error) {
	all, err := u.client.HGetAll(ctx, authDataKey).Result()
	if err != nil {
		return authuser.User{}, false, fmt.Errorf("redisstore: hgetall users: %w", err)
	}
	for _, raw := range all {
		var user authuser.User
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			continue
		}
		if user.Token == token {
			return user, true, nil
		}
	}
	return authuser.User{}, false, nil
}

func (u *userStore) Put(ctx context.Context, user authuser.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("redisstore: encode user %s: %w", user.Username, err)
	}
	if err := u.client.HSet(ctx, authDataKey, user.Username, raw).Err(); err != nil {
		return fmt.Errorf("redisstore: hset user %s: %w", user.Username, err)
	}
	return nil
}
