package gatekeeper

import (
	"context"
	"fmt"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/gorder"
	"github.com/maxbolgarin/logze"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	verificationsCollectionName = "verifications"

	journalWorkers = 1
	journalRetries = 10
)

// JournalConfig contains configuration of the verification journal.
// The journal is an append-only audit of terminal outcomes; it is never read
// back, the in-memory registry stays the only source of truth.
type JournalConfig struct {
	// Address is the MongoDB address in ip:port format.
	// Environment variable: GATE_DB_ADDRESS.
	Address string `yaml:"address" env:"GATE_DB_ADDRESS"`
	// DBName is the name of the MongoDB database.
	// Environment variable: GATE_DB_NAME.
	DBName string `yaml:"db_name" env:"GATE_DB_NAME"`
	// Username is the MongoDB username.
	// Environment variable: GATE_DB_USERNAME.
	Username string `yaml:"username" env:"GATE_DB_USERNAME"`
	// Password is the MongoDB password.
	// Environment variable: GATE_DB_PASSWORD.
	Password string `yaml:"password" env:"GATE_DB_PASSWORD"`
}

// Enabled reports whether an address is configured.
func (cfg JournalConfig) Enabled() bool {
	return cfg.Address != ""
}

// Validate validates journal configuration.
func (cfg JournalConfig) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.DBName, validation.Required.When(cfg.Enabled())),
		validation.Field(&cfg.Username, validation.Required.When(len(cfg.Password) > 0)),
		validation.Field(&cfg.Password, validation.Required.When(len(cfg.Username) > 0)),
	)
}

// verificationRecord is a journal document for one terminal verification.
type verificationRecord struct {
	UserID     int64     `bson:"user_id"`
	ChatID     int64     `bson:"chat_id"`
	Outcome    string    `bson:"outcome"`
	Answer     int       `bson:"answer"`
	CreatedAt  time.Time `bson:"created_at"`
	ResolvedAt time.Time `bson:"resolved_at"`
}

// journal persists terminal verification outcomes asynchronously. Writes for
// one chat go through one ordered queue, so records land in resolve order.
// A nil journal is valid and drops everything.
type journal struct {
	coll  *mongo.Collection
	queue *gorder.Gorder[string]
	log   logze.Logger
}

func newJournal(ctx contem.Context, cfg JournalConfig, log logze.Logger) (*journal, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("mongodb://%s/%s", cfg.Address, cfg.DBName)
	opts := options.Client().ApplyURI(dsn)
	if len(cfg.Username) > 0 && len(cfg.Password) > 0 {
		opts.SetAuth(options.Credential{
			AuthMechanism: "SCRAM-SHA-256",
			AuthSource:    cfg.DBName,
			Username:      cfg.Username,
			Password:      cfg.Password,
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	ctx.Add(client.Disconnect)

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}

	queue := gorder.NewWithOptions[string](ctx, gorder.Options{
		Workers:         journalWorkers,
		Log:             logze.S(log),
		ThrowOnShutdown: true,
		Retries:         journalRetries,
	})
	ctx.Add(queue.Shutdown)

	return &journal{
		coll:  client.Database(cfg.DBName).Collection(verificationsCollectionName),
		queue: queue,
		log:   log,
	}, nil
}

// Record queues an insert of the terminal verification.
func (j *journal) Record(v Verification, resolvedAt time.Time) {
	if j == nil {
		return
	}

	rec := verificationRecord{
		UserID:     v.UserID,
		ChatID:     v.ChatID,
		Outcome:    v.Outcome.String(),
		Answer:     v.Answer,
		CreatedAt:  v.CreatedAt,
		ResolvedAt: resolvedAt,
	}

	queueKey := strconv.FormatInt(v.ChatID, 10)
	j.queue.Push(queueKey, "insert_verification", func(ctx context.Context) error {
		_, err := j.coll.InsertOne(ctx, rec)
		return err
	})
}
