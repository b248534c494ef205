package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoLocker flushes and blocks writes with fsync lock until unlocked.
type MongoLocker struct {
	Timeout time.Duration
}

func mongoOptions(t Target, timeout time.Duration) *options.ClientOptions {
	opts := options.Client().
		SetHosts([]string{engineAddr(t, 27017)}).
		SetDirect(true).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)
	if t.DB.User != "" {
		opts.SetAuth(options.Credential{Username: t.DB.User, Password: t.DB.Password, AuthSource: "admin"})
	}
	return opts
}

func (m MongoLocker) Lock(ctx context.Context, t Target) (func(context.Context) error, error) {
	timeout := m.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client, err := mongo.Connect(ctx, mongoOptions(t, timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb %s: %w", engineAddr(t, 27017), err)
	}
	admin := client.Database("admin")
	if err := admin.RunCommand(ctx, bson.D{{Key: "fsync", Value: 1}, {Key: "lock", Value: true}}).Err(); err != nil {
		client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("fsync lock: %w", err)
	}

	return func(ctx context.Context) error {
		err := admin.RunCommand(ctx, bson.D{{Key: "fsyncUnlock", Value: 1}}).Err()
		return errors.Join(err, client.Disconnect(ctx))
	}, nil
}
