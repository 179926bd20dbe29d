package chatadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loopwire/conductor/internal/bus"
)

// Router holds one ChatAdapter per platform and both satisfies ChatAdapter
// itself (dispatching by a "<platform>:<id>" channelID convention) and
// drains the bus's outbound queue to the right adapter. Plays the role of
// the teacher's channels.Manager (map[string]Channel plus
// dispatchOutbound), generalized from the teacher's push-only Channel.Send
// to the request/response ChatAdapter surface this system uses.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]ChatAdapter
	bus      *bus.Bus
	log      *slog.Logger
}

// NewRouter builds an empty Router. Register each platform's adapter
// before calling DispatchOutbound or routing any channelID through it.
func NewRouter(b *bus.Bus, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{adapters: make(map[string]ChatAdapter), bus: b, log: log}
}

// Register adds or replaces the adapter for platform (e.g. "discord").
func (r *Router) Register(platform string, adapter ChatAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[platform] = adapter
}

func (r *Router) get(platform string) (ChatAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	return a, ok
}

// DispatchOutbound drains bus.SubscribeOutbound and posts each message via
// the adapter registered for its Channel, until ctx is canceled. Mirrors
// the teacher's Manager.dispatchOutbound loop.
func (r *Router) DispatchOutbound(ctx context.Context) {
	for {
		msg, ok := r.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		a, ok := r.get(msg.Channel)
		if !ok {
			r.log.Warn("outbound message for unregistered platform", "platform", msg.Channel)
			continue
		}
		if _, err := a.PostMessage(ctx, msg.ChatID, msg.ThreadTS, msg.Content); err != nil {
			r.log.Error("outbound post failed", "platform", msg.Channel, "error", err)
		}
	}
}

func splitPlatform(channelID string) (platform, id string, err error) {
	idx := strings.IndexByte(channelID, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("chatadapter: channelID %q missing platform prefix", channelID)
	}
	return channelID[:idx], channelID[idx+1:], nil
}

func (r *Router) resolve(channelID string) (ChatAdapter, string, error) {
	platform, id, err := splitPlatform(channelID)
	if err != nil {
		return nil, "", err
	}
	a, ok := r.get(platform)
	if !ok {
		return nil, "", fmt.Errorf("chatadapter: no adapter registered for platform %q", platform)
	}
	return a, id, nil
}

func (r *Router) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	a, id, err := r.resolve(channelID)
	if err != nil {
		return "", err
	}
	return a.PostMessage(ctx, id, threadTS, text)
}

func (r *Router) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	a, id, err := r.resolve(channelID)
	if err != nil {
		return err
	}
	return a.UpdateMessage(ctx, id, ts, text)
}

func (r *Router) AddReaction(ctx context.Context, channelID, ts, emojiName string) error {
	a, id, err := r.resolve(channelID)
	if err != nil {
		return err
	}
	return a.AddReaction(ctx, id, ts, emojiName)
}

func (r *Router) RemoveReaction(ctx context.Context, channelID, ts, emojiName string) error {
	a, id, err := r.resolve(channelID)
	if err != nil {
		return err
	}
	return a.RemoveReaction(ctx, id, ts, emojiName)
}

func (r *Router) HasReaction(ctx context.Context, channelID, ts, emojiName, botUserID string) (bool, error) {
	a, id, err := r.resolve(channelID)
	if err != nil {
		return false, err
	}
	return a.HasReaction(ctx, id, ts, emojiName, botUserID)
}

// OpenDM has no channelID to route on, so callers must prefix userID the
// same way ("discord:123") to tell the router which adapter to ask. The
// returned channelID carries the same platform prefix back.
func (r *Router) OpenDM(ctx context.Context, userID string) (string, error) {
	platform, id, err := splitPlatform(userID)
	if err != nil {
		return "", err
	}
	a, ok := r.get(platform)
	if !ok {
		return "", fmt.Errorf("chatadapter: no adapter registered for platform %q", platform)
	}
	channelID, err := a.OpenDM(ctx, id)
	if err != nil {
		return "", err
	}
	return platform + ":" + channelID, nil
}

var _ ChatAdapter = (*Router)(nil)
