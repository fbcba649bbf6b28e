// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apex-lang/apex/pkg/registryapi"
)

const (
	feedWriteWait = 10 * time.Second
	feedPongWait  = 60 * time.Second
	feedPingEvery = (feedPongWait * 9) / 10
	// feedBuffer is the per-subscriber backlog; slow subscribers drop events
	// beyond it rather than stalling publishers.
	feedBuffer = 32
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// feed fans registry events out to websocket subscribers.
type feed struct {
	mu   sync.Mutex
	subs map[chan registryapi.FeedEvent]struct{}

	// done is closed on server shutdown. Hijacked websocket connections are
	// not tracked by http.Server.Shutdown, so handlers watch it themselves.
	done      chan struct{}
	closeOnce sync.Once
}

func newFeed() *feed {
	return &feed{subs: make(map[chan registryapi.FeedEvent]struct{}), done: make(chan struct{})}
}

// close ends every subscription. It is safe to call more than once.
func (f *feed) close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *feed) subscribe() (<-chan registryapi.FeedEvent, func()) {
	ch := make(chan registryapi.FeedEvent, feedBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}

func (f *feed) publish(evt registryapi.FeedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (f *feed) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// handleFeed upgrades to a websocket and streams events until the client
// goes away. Inbound messages are read only to service pongs and close frames.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.feed.subscribe()
	defer unsubscribe()

	if err := conn.SetReadDeadline(time.Now().Add(feedPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(feedPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.feed.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "registry shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(feedWriteWait))
			return
		case evt := <-events:
			if err := conn.SetWriteDeadline(time.Now().Add(feedWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(feedWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
