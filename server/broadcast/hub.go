// Package broadcast fans JSON messages out to live subscribers (websocket clients, MQTT)
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"golang.org/x/time/rate"
)

// SYNC-SUBSCRIBER-QUEUE-SIZE
const SubscriberQueueSize = 100

// Message is an encoded message, ready to be written to a subscriber
type Message struct {
	Topic   string // Optional routing hint, eg the alert type
	Payload []byte // JSON
}

// Topicer may be implemented by published objects, to populate Message.Topic
type Topicer interface {
	Topic() string
}

// Sink is the transport behind a subscriber.
// Write is only ever called from a single goroutine per sink.
type Sink interface {
	Write(msg Message) error
	Close() error
}

// Persistent may be implemented by a Sink that must outlive a backlog.
// When the queue of a persistent sink is full, the new message is dropped,
// and the sink stays subscribed.
type Persistent interface {
	Persistent() bool
}

type subscriber struct {
	name       string
	sink       Sink
	queue      chan Message
	persistent bool
	dropped    int64
	logDrop    rate.Sometimes
}

// Hub sends every published message to every subscriber.
// Each subscriber has its own queue and writer goroutine, so a slow or broken
// subscriber cannot stall the others. A subscriber whose sink returns an error
// is removed. So is a subscriber whose queue is full, unless it is Persistent.
type Hub struct {
	Log logs.Log

	lock sync.Mutex
	subs map[*subscriber]bool
	wg   sync.WaitGroup
}

func NewHub(log logs.Log) *Hub {
	return &Hub{
		Log:  log,
		subs: map[*subscriber]bool{},
	}
}

// Subscribe adds a sink, and returns a function that removes it.
// The sink is closed when it is removed, whatever the reason.
func (h *Hub) Subscribe(name string, sink Sink) (unsubscribe func()) {
	sub := &subscriber{
		name:    name,
		sink:    sink,
		queue:   make(chan Message, SubscriberQueueSize),
		logDrop: rate.Sometimes{Interval: 15 * time.Second},
	}
	if p, ok := sink.(Persistent); ok {
		sub.persistent = p.Persistent()
	}
	h.lock.Lock()
	h.subs[sub] = true
	h.lock.Unlock()

	h.wg.Add(1)
	go h.writer(sub)

	return func() {
		h.remove(sub)
	}
}

// Publish encodes msg once, and queues it for every subscriber. It never blocks on a subscriber.
func (h *Hub) Publish(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.Log.Errorf("Broadcast: failed to encode %T: %v", msg, err)
		return
	}
	m := Message{Payload: payload}
	if t, ok := msg.(Topicer); ok {
		m.Topic = t.Topic()
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	for sub := range h.subs {
		// SYNC-SUBSCRIBER-QUEUE-SIZE
		select {
		case sub.queue <- m:
		default:
			if sub.persistent {
				sub.dropped++
				sub.logDrop.Do(func() {
					h.Log.Warnf("Broadcast: subscriber %v is not keeping up. %v messages dropped so far.", sub.name, sub.dropped)
				})
				continue
			}
			h.Log.Warnf("Broadcast: subscriber %v is not keeping up. Removing it.", sub.name)
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) NumSubscribers() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.subs)
}

// Close removes all subscribers, and waits for their writers to exit
func (h *Hub) Close() {
	h.lock.Lock()
	for sub := range h.subs {
		h.removeLocked(sub)
	}
	h.lock.Unlock()
	h.wg.Wait()
}

func (h *Hub) remove(sub *subscriber) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	if !h.subs[sub] {
		return
	}
	delete(h.subs, sub)
	close(sub.queue)
}

func (h *Hub) writer(sub *subscriber) {
	defer h.wg.Done()
	defer sub.sink.Close()
	for m := range sub.queue {
		if err := sub.sink.Write(m); err != nil {
			h.Log.Infof("Broadcast: removing subscriber %v after write error: %v", sub.name, err)
			h.remove(sub)
			return
		}
	}
}
