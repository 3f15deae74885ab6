package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Item is one user-message content item before wire conversion.
type Item struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Path     string `json:"path,omitempty"`
}

// TextItem is shorthand for a plain text message item.
func TextItem(text string) Item {
	return Item{Type: "text", Text: text}
}

// Client layers the hub's conversation operations over a raw Transport.
type Client struct {
	transport Transport
	dangerous bool
	log       *slog.Logger
}

// NewClient wraps t. dangerous selects the sandbox level new conversations
// request.
func NewClient(t Transport, dangerous bool, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{transport: t, dangerous: dangerous, log: log}
}

// Transport exposes the underlying transport.
func (c *Client) Transport() Transport { return c.transport }

// Initialize performs the initialize/initialized handshake.
func (c *Client) Initialize(ctx context.Context, name, version, title string) error {
	clientInfo := map[string]any{"name": name, "version": version}
	if title != "" {
		clientInfo["title"] = title
	}
	if _, err := c.transport.Call(ctx, "initialize", map[string]any{"clientInfo": clientInfo}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return c.transport.Notify("initialized", nil)
}

// NewConversation creates a conversation and subscribes to its live events.
// Approvals are always requested so the hub can gate actions; the sandbox
// level depends on dangerous mode.
func (c *Client) NewConversation(ctx context.Context, workspace, model string) (string, error) {
	params := map[string]any{
		"approvalPolicy": "on-request",
	}
	if c.dangerous {
		params["sandbox"] = "danger-full-access"
	} else {
		params["sandbox"] = "workspace-write"
	}
	if model != "" {
		params["model"] = model
	}
	if workspace != "" {
		params["cwd"] = workspace
	}

	raw, err := c.transport.Call(ctx, "newConversation", params)
	if err != nil {
		return "", fmt.Errorf("newConversation: %w", err)
	}
	var result struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.ConversationID == "" {
		return "", fmt.Errorf("newConversation: unexpected result %s", string(raw))
	}

	// Listener registration failures are non-fatal; the conversation still
	// works, just without live codex/event notifications.
	if _, err := c.transport.Call(ctx, "addConversationListener", map[string]any{"conversationId": result.ConversationID}); err != nil {
		c.log.Warn("addConversationListener failed", "conversation_id", result.ConversationID, "error", err)
	}
	return result.ConversationID, nil
}

// SendUserMessage delivers items to a conversation.
func (c *Client) SendUserMessage(ctx context.Context, conversationID string, items []Item) error {
	converted := make([]map[string]any, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case "text":
			converted = append(converted, map[string]any{"type": "text", "data": map[string]any{"text": item.Text}})
		case "image":
			converted = append(converted, map[string]any{"type": "image", "data": map[string]any{"imageUrl": item.ImageURL}})
		case "local_image", "localImage":
			converted = append(converted, map[string]any{"type": "localImage", "data": map[string]any{"path": item.Path}})
		default:
			raw := map[string]any{"type": item.Type}
			if item.Text != "" {
				raw["text"] = item.Text
			}
			converted = append(converted, raw)
		}
	}
	_, err := c.transport.Call(ctx, "sendUserMessage", map[string]any{
		"conversationId": conversationID,
		"items":          converted,
	})
	if err != nil {
		return fmt.Errorf("sendUserMessage: %w", err)
	}
	return nil
}
