package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// streamClient is the slice of the redis client the consumer uses.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *goredis.StatusCmd
	XReadGroup(ctx context.Context, a *goredis.XReadGroupArgs) *goredis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *goredis.IntCmd
}

// StreamConsumer feeds the ingestor from a redis stream of product change
// notifications, via a consumer group so restarts resume where they left off.
type StreamConsumer struct {
	rdb      streamClient
	ingestor *Ingestor
	log      *zap.Logger

	stream   string
	group    string
	consumer string
	batch    int64
	block    time.Duration
}

func NewStreamConsumer(rdb streamClient, ingestor *Ingestor, log *zap.Logger, stream, group, consumer string, batch int64, block time.Duration) *StreamConsumer {
	return &StreamConsumer{
		rdb:      rdb,
		ingestor: ingestor,
		log:      log,
		stream:   stream,
		group:    group,
		consumer: consumer,
		batch:    batch,
		block:    block,
	}
}

// Run consumes until the context is cancelled. Entries are acknowledged only
// after their batch was ingested; unacknowledged entries stay on this
// consumer's pending list and are drained before new ones are read, so a
// crash or a failed batch causes redelivery, which the (product, revision)
// constraint makes harmless.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	needDrain := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if needDrain {
			if err := c.drainPending(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Warn("pending drain failed, retrying", zap.Error(err))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
				continue
			}
			needDrain = false
		}

		streams, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.batch,
			Block:    c.block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("stream read failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			if err := c.handleEntries(ctx, stream.Messages); err != nil {
				c.log.Error("batch ingestion failed, will retry from pending entries", zap.Error(err))
				needDrain = true
			}
		}
	}
}

// drainPending reprocesses every entry already delivered to this consumer but
// never acknowledged, oldest first. Reading from "0" walks the pending list;
// an empty reply means it is fully worked off. Runs at startup, catching
// entries stranded by a previous crash, and after every failed batch.
func (c *StreamConsumer) drainPending(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, "0"},
			Count:    c.batch,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ingest: pending read failed: %w", err)
		}

		drained := 0
		for _, stream := range streams {
			if len(stream.Messages) == 0 {
				continue
			}
			drained += len(stream.Messages)
			if err := c.handleEntries(ctx, stream.Messages); err != nil {
				return err
			}
		}
		if drained == 0 {
			return nil
		}
	}
}

func (c *StreamConsumer) handleEntries(ctx context.Context, entries []goredis.XMessage) error {
	events := make([]Event, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		events = append(events, Event{ID: entry.ID, Message: entryMessage(entry.Values)})
		ids = append(ids, entry.ID)
	}

	if err := c.ingestor.Ingest(ctx, events, false); err != nil {
		return err
	}
	if err := c.rdb.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("ingest: stream ack failed: %w", err)
	}
	return nil
}

func (c *StreamConsumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ingest: stream group create failed: %w", err)
	}
	return nil
}

// entryMessage maps one stream entry to an event message. Senders either put
// a JSON object under a single "message" field or spread the fields flat over
// the entry.
func entryMessage(values map[string]interface{}) map[string]interface{} {
	if raw, ok := values["message"].(string); ok {
		var message map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &message); err == nil {
			return message
		}
	}

	message := make(map[string]interface{}, len(values))
	for key, value := range values {
		if s, ok := value.(string); ok {
			// Numeric fields arrive as strings on the wire.
			if key == "rev" || key == "timestamp" {
				var n float64
				if err := json.Unmarshal([]byte(s), &n); err == nil {
					message[key] = n
					continue
				}
			}
			message[key] = s
			continue
		}
		message[key] = value
	}
	return message
}
