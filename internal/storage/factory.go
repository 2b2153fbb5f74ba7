package storage

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Options selects and configures a backend.
type Options struct {
	Kind string
	// Path is the database file for sqlite and the directory for badger.
	Path  string
	DSN   string
	Table string
}

func NewStore(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(opts.Path)
	case "badger":
		return NewBadgerStore(opts.Path), nil
	case "postgres":
		return NewPostgresStore(opts.DSN), nil
	case "dynamodb":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewDynamoStore(dynamodb.NewFromConfig(cfg), opts.Table), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Kind)
	}
}
