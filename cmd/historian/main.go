// cmd/historian is an asynchronous archiver that pops membership events
// from the Redis journal queue and persists them to PostgreSQL, so lobby
// history survives queue truncation and can be queried offline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/bchamberlain/muster/internal/journal"
)

// Archiver encapsulates the Redis and database ends of the pipeline. Events
// accumulate in an in-memory batch and are flushed either on size or on a
// timer, whichever comes first.
type Archiver struct {
	rdb        *redis.Client
	pool       *pgxpool.Pool
	logger     *logrus.Logger
	queue      string
	batchSize  int
	flushDelay time.Duration

	batchMu sync.Mutex
	batch   []journal.Event

	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewArchiver builds an Archiver from environment variables or defaults.
func NewArchiver(logger *logrus.Logger) (*Archiver, error) {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	batchSize := getEnvInt("HISTORIAN_BATCH_SIZE", 20)
	return &Archiver{
		rdb:        rdb,
		pool:       pool,
		logger:     logger,
		queue:      getEnv("JOURNAL_QUEUE_NAME", journal.DefaultQueueName),
		batchSize:  batchSize,
		flushDelay: time.Duration(getEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,
		batch:      make([]journal.Event, 0, batchSize),
		ctx:        ctx,
		cancelFn:   cancel,
	}, nil
}

// EnsureSchema creates the archive table if it does not exist.
func (a *Archiver) EnsureSchema(ctx context.Context) error {
	q := `
	CREATE TABLE IF NOT EXISTS lobby_events (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		lobby_id TEXT NOT NULL,
		user_id UUID NOT NULL,
		action TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)
	`
	_, err := a.pool.Exec(ctx, q)
	return err
}

// Run consumes the queue until Stop is called.
func (a *Archiver) Run() {
	ticker := time.NewTicker(a.flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			a.flush()
			return

		case <-ticker.C:
			a.flush()

		default:
			// BLPop with a short timeout so shutdown is noticed promptly.
			res, err := a.rdb.BLPop(a.ctx, 3*time.Second, a.queue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
					a.logger.Warnf("blpop: %v", err)
				}
				continue
			}
			if len(res) < 2 {
				continue
			}

			var ev journal.Event
			if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
				a.logger.Warnf("invalid membership event: %v", err)
				continue
			}
			a.append(ev)
		}
	}
}

func (a *Archiver) append(ev journal.Event) {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()

	a.batch = append(a.batch, ev)
	if len(a.batch) >= a.batchSize {
		a.flushLocked()
	}
}

func (a *Archiver) flush() {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()
	a.flushLocked()
}

// flushLocked writes the current batch in one transaction. Assumes batchMu
// is held.
func (a *Archiver) flushLocked() {
	if len(a.batch) == 0 {
		return
	}
	pending := make([]journal.Event, len(a.batch))
	copy(pending, a.batch)
	a.batch = a.batch[:0]

	ctx := context.Background()
	err := pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
		INSERT INTO lobby_events (lobby_id, user_id, action, occurred_at)
		VALUES ($1, $2, $3, to_timestamp($4))
		`
		for _, ev := range pending {
			if _, err := tx.Exec(ctx, q, ev.LobbyID, ev.UserID, ev.Action, ev.Timestamp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		a.logger.Errorf("flush %d events: %v", len(pending), err)
		return
	}
	a.logger.Infof("Flushed %d membership events to DB.", len(pending))
}

// Stop gracefully stops the archiver.
func (a *Archiver) Stop() {
	a.cancelFn()
	a.pool.Close()
	a.rdb.Close()
}

func main() {
	logger := logrus.New()

	a, err := NewArchiver(logger)
	if err != nil {
		logger.Fatalf("archiver init: %v", err)
	}
	if err := a.EnsureSchema(context.Background()); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}

	go a.Run()
	logger.Info("muster-historian service started.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Stop()
	logger.Info("Historian shutdown complete.")
}

func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}

func getEnvInt(key string, defVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defVal
	}
	return i
}
