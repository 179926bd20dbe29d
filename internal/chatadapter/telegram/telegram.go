// Package telegram implements chatadapter.ChatAdapter over the Telegram Bot
// API via telego, grounded on the teacher's internal/channels/telegram
// package (long-polling update loop, forum-topic thread routing) and
// generalized to the thread-anchored post/update/react surface spec.md §6
// describes.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"

	"github.com/loopwire/conductor/internal/bus"
	"github.com/loopwire/conductor/internal/chatadapter"
)

// Config configures a Telegram ChatAdapter.
type Config struct {
	Token          string
	AllowFrom      []string
	DMPolicy       chatadapter.DMPolicy
	GroupPolicy    chatadapter.GroupPolicy
	RequireMention *bool
}

// Client is a chatadapter.ChatAdapter backed by telego long polling.
//
// Telegram's Bot API has no endpoint to list a message's existing
// reactions from other senders, so HasReaction is backed by a local,
// in-memory set populated by this client's own AddReaction calls rather
// than a server round trip — it can only answer for reactions this process
// itself added.
type Client struct {
	chatadapter.Policy

	bot            *telego.Bot
	bus            *bus.Bus
	botUserID      string
	botUsername    string
	requireMention bool
	log            *slog.Logger

	reactionsMu sync.Mutex
	reactions   map[string]bool // "channelID:ts:emoji" -> added by us

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg Config, b *bus.Bus, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Client{
		Policy: chatadapter.Policy{
			AllowList:   cfg.AllowFrom,
			DMPolicy:    cfg.DMPolicy,
			GroupPolicy: cfg.GroupPolicy,
		},
		bot:            bot,
		bus:            b,
		requireMention: requireMention,
		reactions:      map[string]bool{},
		log:            log,
	}, nil
}

func (c *Client) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	me, err := c.bot.GetMe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("fetch telegram bot identity: %w", err)
	}
	c.botUserID = strconv.FormatInt(me.ID, 10)
	c.botUsername = me.Username

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	c.log.Info("telegram adapter connected", "username", c.botUsername)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

func (c *Client) Stop(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		<-c.pollDone
	}
	return nil
}

// BotUserID returns the authenticated bot's own user ID, populated after Start.
func (c *Client) BotUserID() string { return c.botUserID }

func (c *Client) handleMessage(m *telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}

	senderID := strconv.FormatInt(m.From.ID, 10)
	isGroup := m.Chat.Type == telego.ChatTypeGroup || m.Chat.Type == telego.ChatTypeSupergroup
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}
	if !c.Policy.Accept(peerKind, senderID) {
		c.log.Debug("telegram message rejected by policy", "sender_id", senderID, "peer_kind", peerKind)
		return
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}

	if peerKind == "group" && c.requireMention && !c.isMentioned(m, content) {
		return
	}

	threadTS := ""
	if m.ReplyToMessage != nil {
		threadTS = strconv.Itoa(m.ReplyToMessage.MessageID)
	}

	metadata := map[string]string{"message_id": strconv.Itoa(m.MessageID)}
	if m.MessageThreadID != 0 {
		metadata["message_thread_id"] = strconv.Itoa(m.MessageThreadID)
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  "telegram",
		SenderID: senderID,
		ChatID:   strconv.FormatInt(m.Chat.ID, 10),
		ThreadTS: threadTS,
		Content:  content,
		PeerKind: peerKind,
		UserID:   senderID,
		Username: m.From.Username,
		Metadata: metadata,
	})
}

func (c *Client) isMentioned(m *telego.Message, content string) bool {
	if c.botUsername != "" && strings.Contains(content, "@"+c.botUsername) {
		return true
	}
	for _, e := range m.Entities {
		if e.Type == telego.EntityTypeMention || e.Type == telego.EntityTypeTextMention {
			return true
		}
	}
	return false
}

func (c *Client) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return "", err
	}
	params := &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	}
	if threadTS != "" {
		if replyID, err := strconv.Atoi(threadTS); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
		}
	}
	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram post message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (c *Client) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(ts)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", ts, err)
	}
	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: msgID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("telegram update message: %w", err)
	}
	return nil
}

func (c *Client) AddReaction(ctx context.Context, channelID, ts, emojiName string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(ts)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", ts, err)
	}
	err = c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: msgID,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emojiName}},
	})
	if err != nil {
		return fmt.Errorf("telegram add reaction: %w", err)
	}
	c.reactionsMu.Lock()
	c.reactions[reactionKey(channelID, ts, emojiName)] = true
	c.reactionsMu.Unlock()
	return nil
}

// RemoveReaction clears the bot's reactions on ts. Telegram's Bot API only
// supports setting a message's full reaction set, not removing one emoji
// from it, so this clears all bot-applied reactions rather than just
// emojiName.
func (c *Client) RemoveReaction(ctx context.Context, channelID, ts, emojiName string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(ts)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", ts, err)
	}
	err = c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: msgID,
		Reaction:  nil,
	})
	if err != nil {
		return fmt.Errorf("telegram remove reaction: %w", err)
	}
	c.reactionsMu.Lock()
	delete(c.reactions, reactionKey(channelID, ts, emojiName))
	c.reactionsMu.Unlock()
	return nil
}

func (c *Client) HasReaction(_ context.Context, channelID, ts, emojiName, _ string) (bool, error) {
	c.reactionsMu.Lock()
	defer c.reactionsMu.Unlock()
	return c.reactions[reactionKey(channelID, ts, emojiName)], nil
}

// OpenDM returns userID as the chat ID directly: Telegram has no
// "open a DM" API call, since a bot can only message a user who has
// already started a conversation with it, at which point their user ID is
// already usable as a private-chat ID.
func (c *Client) OpenDM(_ context.Context, userID string) (string, error) {
	return userID, nil
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", s, err)
	}
	return id, nil
}

func reactionKey(channelID, ts, emoji string) string {
	return channelID + ":" + ts + ":" + emoji
}

var _ chatadapter.ChatAdapter = (*Client)(nil)
