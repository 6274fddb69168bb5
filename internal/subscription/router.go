// Package subscription groups dashboard subscribers into topic rooms and fans events out to them.
package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by a Subscriber whose channel can no longer be written.
	ErrClosed = errors.New("subscriber closed")
	// ErrBufferFull is returned when the subscriber is too slow to keep up.
	ErrBufferFull = errors.New("subscriber buffer full")
)

// Envelope is the {event, data} frame every dashboard message uses.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals payload into an {event, data} frame.
func Encode(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Subscriber is a writable dashboard channel.
type Subscriber interface {
	ID() string
	Deliver(msg []byte) error
}

func DeviceTopic(deviceID string) string { return "device:" + deviceID }
func ModelTopic(modelID string) string   { return "model:" + modelID }

// Router holds topic-keyed membership sets.
type Router struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]Subscriber
	memberships map[string]map[string]struct{}
	log         logrus.FieldLogger
}

func NewRouter(log logrus.FieldLogger) *Router {
	return &Router{
		rooms:       make(map[string]map[string]Subscriber),
		memberships: make(map[string]map[string]struct{}),
		log:         log.WithField("component", "subscription"),
	}
}

func (r *Router) AddToRoom(topic string, s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[topic]
	if !ok {
		room = make(map[string]Subscriber)
		r.rooms[topic] = room
	}
	room[s.ID()] = s

	topics, ok := r.memberships[s.ID()]
	if !ok {
		topics = make(map[string]struct{})
		r.memberships[s.ID()] = topics
	}
	topics[topic] = struct{}{}
}

func (r *Router) RemoveFromRoom(topic string, s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(topic, s.ID())
}

// RemoveAll drops s from every room it belongs to and returns those topics.
func (r *Router) RemoveAll(s Subscriber) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for topic := range r.memberships[s.ID()] {
		left = append(left, topic)
		r.removeLocked(topic, s.ID())
	}
	delete(r.memberships, s.ID())
	sort.Strings(left)
	return left
}

func (r *Router) removeLocked(topic, id string) {
	if room, ok := r.rooms[topic]; ok {
		delete(room, id)
		if len(room) == 0 {
			delete(r.rooms, topic)
		}
	}
	if topics, ok := r.memberships[id]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.memberships, id)
		}
	}
}

// EmitToRoom delivers event to every writable subscriber of topic and returns how many accepted it.
// Closed subscribers are skipped silently.
func (r *Router) EmitToRoom(topic, event string, payload interface{}) int {
	r.mu.RLock()
	room := r.rooms[topic]
	targets := make([]Subscriber, 0, len(room))
	for _, s := range room {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	return r.deliver(targets, topic, event, payload)
}

func (r *Router) deliver(targets []Subscriber, topic, event string, payload interface{}) int {
	if len(targets) == 0 {
		return 0
	}

	msg, err := Encode(event, payload)
	if err != nil {
		r.log.Errorf("Dropping %s for %s: %v", event, topic, err)
		return 0
	}

	delivered := 0
	for _, s := range targets {
		switch err := s.Deliver(msg); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrClosed):
		default:
			r.log.Warnf("Subscriber %s missed %s on %s: %v", s.ID(), event, topic, err)
		}
	}
	return delivered
}

// EmitToRooms is EmitToRoom over several topics; a subscriber in more than one
// of them receives the event once.
func (r *Router) EmitToRooms(topics []string, event string, payload interface{}) int {
	seen := make(map[string]struct{})
	var targets []Subscriber

	r.mu.RLock()
	for _, topic := range topics {
		for id, s := range r.rooms[topic] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	return r.deliver(targets, strings.Join(topics, ","), event, payload)
}

// Rooms lists the topics s currently belongs to.
func (r *Router) Rooms(s Subscriber) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.memberships[s.ID()]))
	for topic := range r.memberships[s.ID()] {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (r *Router) RoomSize(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[topic])
}
