// Package discord implements chatadapter.ChatAdapter over the Discord
// gateway/REST API via discordgo, grounded on the teacher's
// internal/channels/discord package and generalized from its push-based
// Send to the thread-anchored post/update/react surface spec.md §6
// describes.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/loopwire/conductor/internal/bus"
	"github.com/loopwire/conductor/internal/chatadapter"
)

// Config configures a Discord ChatAdapter.
type Config struct {
	Token          string
	AllowFrom      []string
	DMPolicy       chatadapter.DMPolicy
	GroupPolicy    chatadapter.GroupPolicy
	RequireMention *bool
}

// Client is a chatadapter.ChatAdapter backed by a discordgo gateway session.
type Client struct {
	chatadapter.Policy

	session        *discordgo.Session
	bus            *bus.Bus
	botUserID      string
	requireMention bool
	log            *slog.Logger
}

func New(cfg Config, b *bus.Bus, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

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
		session:        session,
		bus:            b,
		requireMention: requireMention,
		log:            log,
	}, nil
}

// Start opens the gateway connection and begins forwarding inbound messages
// onto the bus.
func (c *Client) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	me, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = me.ID
	c.log.Info("discord adapter connected", "username", me.Username, "id", me.ID)
	return nil
}

func (c *Client) Stop(_ context.Context) error {
	return c.session.Close()
}

// BotUserID returns the authenticated bot's own user ID, populated after Start.
func (c *Client) BotUserID() string { return c.botUserID }

func (c *Client) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}
	if !c.Policy.Accept(peerKind, m.Author.ID) {
		c.log.Debug("discord message rejected by policy", "sender_id", m.Author.ID, "peer_kind", peerKind)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	if peerKind == "group" && c.requireMention && !c.isMentioned(m) {
		return
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  "discord",
		SenderID: m.Author.ID,
		ChatID:   m.ChannelID,
		ThreadTS: threadRefOf(m),
		Content:  content,
		PeerKind: peerKind,
		UserID:   m.Author.ID,
		Username: resolveDisplayName(m),
		Metadata: map[string]string{"message_id": m.ID, "guild_id": m.GuildID},
	})
}

func (c *Client) isMentioned(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			return true
		}
	}
	return false
}

func threadRefOf(m *discordgo.MessageCreate) string {
	if m.MessageReference != nil {
		return m.MessageReference.MessageID
	}
	return ""
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

const discordMaxMessageLen = 2000

// PostMessage sends text into channelID. When threadTS is set, the first
// chunk is sent as a reply referencing it, the discordgo idiom closest to a
// Slack-style threaded reply; text over Discord's 2000-char limit is
// chunked and the rest sent as plain follow-ups. The returned ts is always
// the first chunk's message ID.
func (c *Client) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	head, rest := text, ""
	if len(head) > discordMaxMessageLen {
		cutAt := discordMaxMessageLen
		if idx := strings.LastIndexByte(head[:discordMaxMessageLen], '\n'); idx > discordMaxMessageLen/2 {
			cutAt = idx + 1
		}
		head, rest = text[:cutAt], text[cutAt:]
	}

	data := &discordgo.MessageSend{Content: head}
	if threadTS != "" {
		data.Reference = &discordgo.MessageReference{MessageID: threadTS, ChannelID: channelID}
	}
	msg, err := c.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord post message: %w", err)
	}

	if rest != "" {
		if err := sendChunked(c.session, channelID, rest); err != nil {
			return msg.ID, err
		}
	}
	return msg.ID, nil
}

func (c *Client) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	edit := discordgo.NewMessageEdit(channelID, ts).SetContent(text)
	_, err := c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord update message: %w", err)
	}
	return nil
}

func (c *Client) AddReaction(ctx context.Context, channelID, ts, emojiName string) error {
	if err := c.session.MessageReactionAdd(channelID, ts, emojiName, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord add reaction: %w", err)
	}
	return nil
}

func (c *Client) RemoveReaction(ctx context.Context, channelID, ts, emojiName string) error {
	if err := c.session.MessageReactionRemove(channelID, ts, emojiName, "@me", discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord remove reaction: %w", err)
	}
	return nil
}

func (c *Client) HasReaction(ctx context.Context, channelID, ts, emojiName, botUserID string) (bool, error) {
	users, err := c.session.MessageReactions(channelID, ts, emojiName, 100, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("discord list reactions: %w", err)
	}
	for _, u := range users {
		if u.ID == botUserID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) OpenDM(ctx context.Context, userID string) (string, error) {
	ch, err := c.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord open dm: %w", err)
	}
	return ch.ID, nil
}

// sendChunked splits content at 2000-char Discord limits, breaking on the
// last newline past the halfway point when possible, matching the
// teacher's chunking heuristic.
func sendChunked(session *discordgo.Session, channelID, content string) error {
	const maxLen = 2000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

var _ chatadapter.ChatAdapter = (*Client)(nil)
