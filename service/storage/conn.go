package storage

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	errs "MChat/tools/errs"
)

// MongoConf carries what it takes to reach the database. URI wins over
// Address when both are set; credentials given separately override the
// URI's.
type MongoConf struct {
	URI         string
	Address     []string
	Database    string
	Username    string
	Password    string
	AuthSource  string
	MaxPoolSize int
	MaxRetry    int
}

func (c *MongoConf) norm() error {
	if c.URI == "" && len(c.Address) == 0 {
		return errs.New("mongo uri or address is required")
	}
	if c.Database == "" {
		return errs.New("mongo database is required")
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 100
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	return nil
}

func (c *MongoConf) clientOptions() *options.ClientOptions {
	var opts *options.ClientOptions
	if c.URI != "" {
		opts = options.Client().ApplyURI(c.URI)
	} else {
		opts = options.Client().SetHosts(c.Address)
	}
	opts.SetMaxPoolSize(uint64(c.MaxPoolSize))
	if c.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   c.Username,
			Password:   c.Password,
			AuthSource: c.AuthSource,
		})
	}
	return opts
}

// ConnectMongo dials with bounded retries and returns the database
// handle after a successful ping.
func ConnectMongo(ctx context.Context, conf MongoConf) (*mongo.Database, error) {
	if err := conf.norm(); err != nil {
		return nil, err
	}
	opts := conf.clientOptions()

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < conf.MaxRetry; i++ {
		cli, err = dial(ctx, opts)
		if err == nil || !shouldRetry(ctx, err) {
			break
		}
		time.Sleep(time.Second / 2)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "connect mongo %s", conf.URI)
	}
	return cli.Database(conf.Database), nil
}

func dial(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return cli, nil
}

// Auth failures (13 unauthorized, 18 auth failed) never get better by
// retrying; everything else might.
func shouldRetry(ctx context.Context, err error) bool {
	select {
	case <-ctx.Done():
		return false
	default:
		if cmdErr, ok := err.(mongo.CommandError); ok {
			return cmdErr.Code != 13 && cmdErr.Code != 18
		}
		return true
	}
}
