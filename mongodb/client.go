package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"
)

var ErrNotInitialized = errors.New("mongodb client is not initialized, call InitMongoDB first")

var (
	clientInstance *mongo.Client
	dbInstance     *mongo.Database
	initOnce       sync.Once
	initErr        error
)

// InitMongoDB connects the instrumented client, pings the primary and selects the database.
// It should be called once at application startup; later calls return the first result.
func InitMongoDB(ctx context.Context, uri, dbName string) error {
	initOnce.Do(func() {
		log.Ctx(ctx).Info().Str("database", dbName).Msg("initializing MongoDB client")

		clientOptions := options.Client().
			ApplyURI(uri).
			SetConnectTimeout(10 * time.Second).
			SetMonitor(otelmongo.NewMonitor())

		client, err := mongo.Connect(clientOptions)
		if err != nil {
			initErr = fmt.Errorf("failed to connect to MongoDB: %w", err)
			return
		}

		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(ctx)
			initErr = fmt.Errorf("failed to ping MongoDB primary: %w", err)
			return
		}

		clientInstance = client
		dbInstance = client.Database(dbName)
		log.Ctx(ctx).Info().Msg("MongoDB client initialized successfully")
	})

	return initErr
}

// GetDB returns the database selected by InitMongoDB.
func GetDB() (*mongo.Database, error) {
	if dbInstance == nil {
		return nil, ErrNotInitialized
	}
	return dbInstance, nil
}

// Ping sends a ping to the primary. Used by health checks.
func Ping(ctx context.Context) error {
	if clientInstance == nil {
		return ErrNotInitialized
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return clientInstance.Ping(pingCtx, readpref.Primary())
}

// CloseMongoDB disconnects the client. It should be called on application shutdown.
func CloseMongoDB(ctx context.Context) {
	if clientInstance == nil {
		return
	}
	log.Ctx(ctx).Info().Msg("closing MongoDB connection")
	if err := clientInstance.Disconnect(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("error closing MongoDB connection")
	}
}
