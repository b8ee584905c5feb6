// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 J. Blake / mochi-co
// SPDX-FileContributor: mochi-co

package stomp

import (
	"sort"
	"sync"
	"sync/atomic"

	xh "github.com/cespare/xxhash/v2"
)

// routerBuckets is the number of independently locked destination buckets.
const routerBuckets = 64

// Subscription is a session's registration of interest in a destination.
type Subscription struct {
	ID          string `json:"id"`          // the client-chosen subscription id, unique per session
	Destination string `json:"destination"` // the exact destination string
	SessionID   string `json:"session"`     // the owning session
	Ack         string `json:"ack"`         // the requested ack mode, recorded but not enforced
}

// key returns the router key for the subscription.
func (s Subscription) key() subKey {
	return subKey{session: s.SessionID, id: s.ID}
}

// subKey uniquely identifies a subscription within a destination.
type subKey struct {
	session string
	id      string
}

// Subscriptions is a slice of subscriptions.
type Subscriptions []Subscription

// sort orders the subscriptions by session id then subscription id.
func (s Subscriptions) sort() {
	sort.Slice(s, func(i, j int) bool {
		if s[i].SessionID == s[j].SessionID {
			return s[i].ID < s[j].ID
		}
		return s[i].SessionID < s[j].SessionID
	})
}

// destinationBucket contains the subscriptions for a subset of destinations.
type destinationBucket struct {
	sync.RWMutex
	internal map[string]map[subKey]Subscription
}

// Router is an index of subscriptions keyed on exact destination. Destinations
// are spread over independently locked buckets, so operations on unrelated
// destinations do not contend.
type Router struct {
	buckets       [routerBuckets]*destinationBucket
	subscriptions int64 // the number of subscriptions in the index
	destinations  int64 // the number of destinations with at least one subscription
}

// NewRouter returns a new instance of Router.
func NewRouter() *Router {
	r := new(Router)
	for i := range r.buckets {
		r.buckets[i] = &destinationBucket{
			internal: map[string]map[subKey]Subscription{},
		}
	}
	return r
}

// bucket returns the bucket responsible for a destination.
func (r *Router) bucket(destination string) *destinationBucket {
	return r.buckets[xh.Sum64String(destination)%routerBuckets]
}

// Add adds a subscription to the index, returning false if a subscription
// with the same session and id already exists for the destination.
func (r *Router) Add(sub Subscription) bool {
	b := r.bucket(sub.Destination)
	b.Lock()
	defer b.Unlock()

	subs, ok := b.internal[sub.Destination]
	if !ok {
		subs = map[subKey]Subscription{}
		b.internal[sub.Destination] = subs
		atomic.AddInt64(&r.destinations, 1)
	}

	if _, ok := subs[sub.key()]; ok {
		return false
	}

	subs[sub.key()] = sub
	atomic.AddInt64(&r.subscriptions, 1)
	return true
}

// Remove removes a subscription from the index, returning true if it existed.
func (r *Router) Remove(sub Subscription) bool {
	b := r.bucket(sub.Destination)
	b.Lock()
	defer b.Unlock()

	subs, ok := b.internal[sub.Destination]
	if !ok {
		return false
	}

	if _, ok := subs[sub.key()]; !ok {
		return false
	}

	delete(subs, sub.key())
	atomic.AddInt64(&r.subscriptions, -1)
	if len(subs) == 0 {
		delete(b.internal, sub.Destination)
		atomic.AddInt64(&r.destinations, -1)
	}

	return true
}

// Publish returns all subscriptions whose destination exactly matches the
// destination, ordered by session id then subscription id. Repeated calls
// with no intervening changes return the same order.
func (r *Router) Publish(destination string) Subscriptions {
	b := r.bucket(destination)
	b.RLock()
	subs := b.internal[destination]
	out := make(Subscriptions, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	b.RUnlock()

	out.sort()
	return out
}

// Destinations returns all destinations which have at least one subscription.
func (r *Router) Destinations() []string {
	var out []string
	for _, b := range r.buckets {
		b.RLock()
		for d := range b.internal {
			out = append(out, d)
		}
		b.RUnlock()
	}

	sort.Strings(out)
	return out
}

// Len returns the number of subscriptions in the index.
func (r *Router) Len() int {
	return int(atomic.LoadInt64(&r.subscriptions))
}

// DestinationsLen returns the number of destinations with subscriptions.
func (r *Router) DestinationsLen() int {
	return int(atomic.LoadInt64(&r.destinations))
}
