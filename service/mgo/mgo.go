package mgo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type Config struct {
	URI         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MaxPoolSize uint64 `yaml:"max_pool_size"`
}

var (
	client *mongo.Client
	db     *mongo.Database
)

func InitMongo(ctx context.Context, cfg Config) error {
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 20
	}
	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(cfg.MaxPoolSize)
	if cfg.Username != "" {
		opts = opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}
	c, err := mongo.Connect(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "mongo connect")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx, readpref.Primary()); err != nil {
		return errors.Wrap(err, "mongo ping")
	}
	client = c
	db = c.Database(cfg.Database)
	return nil
}

func GetClient() *mongo.Client {
	if client == nil {
		panic("mongo not initialized")
	}
	return client
}

func GetDB() *mongo.Database {
	if db == nil {
		panic("mongo not initialized")
	}
	return db
}
