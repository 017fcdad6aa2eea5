package cursor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store persists the feed cursor of the last durably appended batch
type Store interface {
	// Save persists the cursor
	Save(ctx context.Context, cursor string) error

	// Load returns the last saved cursor, "" if none exists
	Load(ctx context.Context) (string, error)
}

// FileStore keeps the cursor in a local file
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save writes through a temp file so a crash never leaves a partial cursor
func (s *FileStore) Save(ctx context.Context, cursor string) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(cursor), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Load(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// RedisStore keeps the cursor under a Redis key
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Save(ctx context.Context, cursor string) error {
	return s.client.Set(ctx, s.key, cursor, 0).Err()
}

func (s *RedisStore) Load(ctx context.Context) (string, error) {
	v, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return v, nil
}

// MongoStore keeps the cursor in a single document keyed by _id
type MongoStore struct {
	collection *mongo.Collection
	key        string
}

func NewMongoStore(coll *mongo.Collection, key string) *MongoStore {
	return &MongoStore{collection: coll, key: key}
}

func (s *MongoStore) Save(ctx context.Context, cursor string) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": s.key},
		bson.M{"$set": bson.M{"cursor": cursor}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) Load(ctx context.Context) (string, error) {
	var doc struct {
		Cursor string `bson:"cursor"`
	}
	err := s.collection.FindOne(ctx, bson.M{"_id": s.key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", err
	}
	return doc.Cursor, nil
}

// MemoryStore keeps the cursor in memory; used when persistence is disabled
type MemoryStore struct {
	mu     sync.Mutex
	cursor string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

// Config selects and configures a cursor backend
type Config struct {
	Backend   string // file, redis, mongo or memory
	Path      string // directory of the file backend
	RedisAddr string
	RedisDB   int
	MongoURI  string
	MongoDB   string
	Key       string
}

// Open builds the configured Store. The returned close func releases the
// backend connection.
func Open(ctx context.Context, cfg Config) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), noop, nil
	case "file":
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create cursor directory: %w", err)
		}
		return NewFileStore(filepath.Join(cfg.Path, FileName(cfg.Key))), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return NewRedisStore(client, cfg.Key), client.Close, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		closeFn := func() error { return client.Disconnect(context.Background()) }
		if err := client.Ping(ctx, nil); err != nil {
			_ = closeFn()
			return nil, nil, fmt.Errorf("failed to ping mongodb: %w", err)
		}
		coll := client.Database(cfg.MongoDB).Collection("cursors")
		return NewMongoStore(coll, cfg.Key), closeFn, nil
	}
	return nil, nil, fmt.Errorf("unknown cursor backend %q", cfg.Backend)
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName maps a cursor key to the file holding it inside the cursor directory
func FileName(key string) string {
	name := strings.Trim(unsafeFileChars.ReplaceAllString(key, "_"), "._")
	if name == "" {
		name = "cursor"
	}
	return name + ".cursor"
}
