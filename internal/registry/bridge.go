package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// bridgeEvent is the wire form of a mutation fanned out over NATS.
type bridgeEvent struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Bridge replicates mutations of a local Store to sibling agent processes
// over a NATS subject, and applies theirs locally. Applying a remote event
// goes through the inner store, so local subscribers fire for foreign
// mutations exactly as they do for local ones.
type Bridge struct {
	inner   Store
	nc      *nats.Conn
	subject string
	origin  string
	sub     *nats.Subscription
	log     *zap.Logger
}

// Connect dials NATS with the agent's standard options.
func Connect(url string, log *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("swarmuii-node-agent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	return nats.Connect(url, opts...)
}

// NewBridge wraps inner and starts listening on subject.
func NewBridge(inner Store, nc *nats.Conn, subject string, log *zap.Logger) (*Bridge, error) {
	b := &Bridge{
		inner:   inner,
		nc:      nc,
		subject: subject,
		origin:  uuid.NewString(),
		log:     log,
	}
	sub, err := nc.Subscribe(subject, b.onRemote)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.sub = sub
	return b, nil
}

func (b *Bridge) onRemote(msg *nats.Msg) {
	var ev bridgeEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.log.Warn("bridge: bad event payload", zap.Error(err))
		return
	}
	if ev.Origin == b.origin {
		return
	}
	var err error
	if ev.Deleted {
		err = b.inner.Delete(ev.Key)
	} else {
		err = b.inner.Set(ev.Key, ev.Value)
	}
	if err != nil {
		b.log.Warn("bridge: apply remote event", zap.String("key", ev.Key), zap.Error(err))
	}
}

func (b *Bridge) publish(ev bridgeEvent) {
	ev.Origin = b.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.nc.Publish(b.subject, payload); err != nil {
		// Replication is best effort; the local store already has the write.
		b.log.Warn("bridge: publish", zap.String("key", ev.Key), zap.Error(err))
	}
}

func (b *Bridge) Set(key string, value []byte) error {
	if err := b.inner.Set(key, value); err != nil {
		return err
	}
	b.publish(bridgeEvent{Key: key, Value: value})
	return nil
}

func (b *Bridge) Get(key string) ([]byte, error) {
	return b.inner.Get(key)
}

func (b *Bridge) Delete(key string) error {
	if err := b.inner.Delete(key); err != nil {
		return err
	}
	b.publish(bridgeEvent{Key: key, Deleted: true})
	return nil
}

func (b *Bridge) Subscribe(prefix string, fn func(Event)) (func(), error) {
	return b.inner.Subscribe(prefix, fn)
}

func (b *Bridge) Keys(prefix string) ([]string, error) {
	return b.inner.Keys(prefix)
}

func (b *Bridge) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	return b.inner.Close()
}
