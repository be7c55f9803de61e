package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	eventBuffer = 1024
	opTimeout   = 2 * time.Second
)

type presenceOp int

const (
	opJoin presenceOp = iota
	opLeave
)

type presenceEvent struct {
	op     presenceOp
	roomID string
	peerID models.PeerID
}

// Presence mirrors room membership into Redis sets named room:<id>:peers.
// Updates are applied in order by a single worker; callers never wait on Redis.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger

	events    chan presenceEvent
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials Redis and starts the presence worker.
func Connect(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*Presence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewPresence(client, cfg.PresenceTTL, logger), nil
}

// NewPresence starts a presence worker on an existing client.
func NewPresence(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Presence {
	p := &Presence{
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("component", "presence").Logger(),
		events: make(chan presenceEvent, eventBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func roomKey(roomID string) string {
	return fmt.Sprintf("room:%s:peers", roomID)
}

func (p *Presence) PeerJoined(roomID string, id models.PeerID) {
	p.push(presenceEvent{op: opJoin, roomID: roomID, peerID: id})
}

func (p *Presence) PeerLeft(roomID string, id models.PeerID) {
	p.push(presenceEvent{op: opLeave, roomID: roomID, peerID: id})
}

func (p *Presence) push(ev presenceEvent) {
	select {
	case <-p.quit:
		return
	default:
	}
	select {
	case p.events <- ev:
	default:
		p.log.Warn().Str("room_id", ev.roomID).Str("peer_id", string(ev.peerID)).Msg("Presence queue full, dropping update")
	}
}

// Members reads the mirrored member set of a room.
func (p *Presence) Members(ctx context.Context, roomID string) ([]string, error) {
	return p.client.SMembers(ctx, roomKey(roomID)).Result()
}

// Close flushes queued updates and closes the Redis connection.
func (p *Presence) Close() error {
	p.closeOnce.Do(func() { close(p.quit) })
	<-p.done
	return p.client.Close()
}

func (p *Presence) run() {
	defer close(p.done)
	for {
		select {
		case ev := <-p.events:
			p.apply(ev)
		case <-p.quit:
			for {
				select {
				case ev := <-p.events:
					p.apply(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Presence) apply(ev presenceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := roomKey(ev.roomID)
	var err error
	switch ev.op {
	case opJoin:
		_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, key, string(ev.peerID))
			if p.ttl > 0 {
				pipe.Expire(ctx, key, p.ttl)
			}
			return nil
		})
	case opLeave:
		err = p.client.SRem(ctx, key, string(ev.peerID)).Err()
	}
	if err != nil {
		p.log.Error().Err(err).Str("key", key).Str("peer_id", string(ev.peerID)).Msg("Presence update failed")
	}
}
