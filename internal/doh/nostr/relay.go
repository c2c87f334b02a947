package nostr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/doh/internal/logutil"
)

// DefaultSettle is how long connected relays are given before publishing.
const DefaultSettle = 2 * time.Second

// ErrNoRelays is returned when no relay could be reached.
var ErrNoRelays = errors.New("no relays reachable")

// Publisher opens relay connections for one post.
type Publisher interface {
	Connect(ctx context.Context, relays []string) (Session, error)
}

// Session is a set of connected relays.
type Session interface {
	// Broadcast sends a signed event and reports how many relays accepted it.
	Broadcast(ctx context.Context, ev gonostr.Event) (int, error)
	Close()
}

// RelayPublisher publishes over websocket connections opened per post.
type RelayPublisher struct {
	Settle time.Duration
}

// NewRelayPublisher returns a publisher using DefaultSettle.
func NewRelayPublisher() *RelayPublisher {
	return &RelayPublisher{Settle: DefaultSettle}
}

// Connect dials every relay concurrently and waits the settle delay. It
// fails only when no relay could be reached.
func (p *RelayPublisher) Connect(ctx context.Context, urls []string) (Session, error) {
	conns := make([]*gonostr.Relay, len(urls))

	var connect errgroup.Group
	for i, url := range urls {
		connect.Go(func() error {
			relay, err := gonostr.RelayConnect(ctx, url)
			if err != nil {
				logutil.Warnf("nostr: failed to connect relay %s: %v", url, err)
				return nil
			}
			logutil.Debugf("nostr: relay connected: %s", url)
			conns[i] = relay
			return nil
		})
	}
	_ = connect.Wait()

	s := &relaySession{}
	for i, relay := range conns {
		if relay != nil {
			s.urls = append(s.urls, urls[i])
			s.conns = append(s.conns, relay)
		}
	}
	if len(s.conns) == 0 {
		return nil, ErrNoRelays
	}

	if p.Settle > 0 {
		timer := time.NewTimer(p.Settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return s, nil
}

type relaySession struct {
	urls  []string
	conns []*gonostr.Relay
}

// Broadcast sends ev to each connected relay concurrently. It succeeds when
// at least one accepts.
func (s *relaySession) Broadcast(ctx context.Context, ev gonostr.Event) (int, error) {
	var (
		mu       sync.Mutex
		accepted int
		errs     []error
	)
	var publish errgroup.Group
	for i, relay := range s.conns {
		publish.Go(func() error {
			err := relay.Publish(ctx, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logutil.Warnf("nostr: relay %s rejected event: %v", s.urls[i], err)
				errs = append(errs, fmt.Errorf("%s: %w", s.urls[i], err))
				return nil
			}
			accepted++
			return nil
		})
	}
	_ = publish.Wait()

	if accepted == 0 {
		return 0, fmt.Errorf("no relay accepted the event: %w", errors.Join(errs...))
	}
	logutil.Debugf("nostr: event %s accepted by %d/%d relays", ev.ID, accepted, len(s.conns))
	return accepted, nil
}

func (s *relaySession) Close() {
	for _, relay := range s.conns {
		relay.Close()
	}
}
