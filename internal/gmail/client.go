package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vipul43/voucher-worker/internal/models"
	"github.com/vipul43/voucher-worker/internal/source"
)

const (
	user             = "me"
	unreadLabel      = "UNREAD"
	draftLabel       = "DRAFT"
	maxModifyBatch   = 1000
	defaultPageSize  = 50
	defaultFetchPool = 4
)

// Client is a source.Source over one Gmail mailbox. Resume tokens are Gmail
// history ids.
type Client struct {
	service      *gmail.Service
	fetchWorkers int
}

var (
	_ source.Source       = (*Client)(nil)
	_ source.Acknowledger = (*Client)(nil)
)

// NewClient creates a Gmail client. Pass option.WithTokenSource for OAuth
// credentials; fetchWorkers bounds parallel message fetches.
func NewClient(ctx context.Context, fetchWorkers int, opts ...option.ClientOption) (*Client, error) {
	gmailService, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	if fetchWorkers <= 0 {
		fetchWorkers = defaultFetchPool
	}
	return &Client{service: gmailService, fetchWorkers: fetchWorkers}, nil
}

// CurrentToken returns the mailbox's current history id
func (c *Client) CurrentToken(ctx context.Context) (string, error) {
	profile, err := c.service.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", classify("profile", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// BoundedScan lists every message matching filter and yields them oldest
// first. Message ids are listed up front; bodies are fetched lazily one page
// at a time.
func (c *Client) BoundedScan(ctx context.Context, filter source.Filter, pageSize int) source.Sequence {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return func(yield func(models.RawMessage, error) bool) {
		ids, err := c.listMessageIDs(ctx, buildQuery(filter), pageSize)
		if err != nil {
			yield(models.RawMessage{}, err)
			return
		}
		// Gmail lists newest first
		slices.Reverse(ids)

		for page := range slices.Chunk(ids, pageSize) {
			msgs, err := c.fetchMessages(ctx, page)
			if err != nil {
				yield(models.RawMessage{}, err)
				return
			}
			for _, msg := range msgs {
				if msg == nil || !matchesFilter(*msg, filter) {
					continue
				}
				if !yield(*msg, nil) {
					return
				}
			}
		}
	}
}

func (c *Client) listMessageIDs(ctx context.Context, query string, pageSize int) ([]string, error) {
	var (
		ids       []string
		pageToken string
	)
	for {
		listCall := c.service.Users.Messages.List(user).Q(query).MaxResults(int64(pageSize)).Context(ctx)
		if pageToken != "" {
			listCall = listCall.PageToken(pageToken)
		}

		listResp, err := listCall.Do()
		if err != nil {
			return nil, classify("list", err)
		}

		log.Printf("Gmail API returned %d message IDs (nextPageToken: %s)", len(listResp.Messages), listResp.NextPageToken)

		for _, msg := range listResp.Messages {
			ids = append(ids, msg.Id)
		}
		if listResp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = listResp.NextPageToken
	}
}

// DeltaScan yields messages added since sinceToken, in history order. The
// history API has no search query, so sender and subject are matched against
// the fetched headers.
func (c *Client) DeltaScan(ctx context.Context, sinceToken string, filter source.Filter, pageSize int) (*source.Delta, error) {
	startID, err := strconv.ParseUint(strings.TrimSpace(sinceToken), 10, 64)
	if err != nil || startID == 0 {
		return nil, fmt.Errorf("%w: history id %q", source.ErrTokenExpired, sinceToken)
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var (
		latest   = startID
		position string
	)

	messages := func(yield func(models.RawMessage, error) bool) {
		seen := map[string]bool{}
		pageToken := ""
		for {
			call := c.service.Users.History.List(user).
				StartHistoryId(startID).
				HistoryTypes("messageAdded").
				MaxResults(int64(pageSize)).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			resp, err := call.Do()
			if err != nil {
				yield(models.RawMessage{}, classify("history", err))
				return
			}
			if resp.HistoryId > latest {
				latest = resp.HistoryId
			}

			items := historyItems(resp.History, seen)
			ids := make([]string, 0, len(items))
			for _, it := range items {
				if it.messageID != "" {
					ids = append(ids, it.messageID)
				}
			}

			msgs, err := c.fetchMessages(ctx, ids)
			if err != nil {
				yield(models.RawMessage{}, err)
				return
			}

			next := 0
			for _, it := range items {
				if it.messageID == "" {
					position = it.safeAfter
					continue
				}
				msg := msgs[next]
				next++
				if msg != nil && matchesFilter(*msg, filter) {
					if !yield(*msg, nil) {
						return
					}
				}
				position = it.safeAfter
			}

			if resp.NextPageToken == "" {
				return
			}
			pageToken = resp.NextPageToken
		}
	}

	return source.NewDelta(
		messages,
		func() string { return strconv.FormatUint(latest, 10) },
		func() string { return position },
	), nil
}

// historyItem is one message added in a history record. safeAfter is the
// history id a scan can resume from once this item has been consumed.
// Records without new messages appear as items with an empty messageID.
type historyItem struct {
	messageID string
	safeAfter string
}

func historyItems(records []*gmail.History, seen map[string]bool) []historyItem {
	var (
		items    []historyItem
		prevSafe string
	)
	for _, record := range records {
		recordID := strconv.FormatUint(record.Id, 10)

		var ids []string
		for _, added := range record.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			if slices.Contains(added.Message.LabelIds, draftLabel) {
				continue
			}
			seen[added.Message.Id] = true
			ids = append(ids, added.Message.Id)
		}

		if len(ids) == 0 {
			items = append(items, historyItem{safeAfter: recordID})
		}
		for i, id := range ids {
			safe := prevSafe
			if i == len(ids)-1 {
				safe = recordID
			}
			items = append(items, historyItem{messageID: id, safeAfter: safe})
		}
		prevSafe = recordID
	}
	return items
}

// fetchMessages fetches full messages in parallel and returns them in the
// order of ids. Messages deleted since listing come back as nil.
func (c *Client) fetchMessages(ctx context.Context, ids []string) ([]*models.RawMessage, error) {
	results := make([]*models.RawMessage, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fetchWorkers)
	for i, id := range ids {
		g.Go(func() error {
			msg, err := c.FetchMessage(gctx, id)
			if err != nil {
				if isNotFound(err) {
					log.Printf("Warning: message %s disappeared before fetch, skipping", id)
					return nil
				}
				return err
			}
			results[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// FetchMessage fetches a single email by its Gmail message ID
func (c *Client) FetchMessage(ctx context.Context, messageID string) (*models.RawMessage, error) {
	fullMsg, err := c.service.Users.Messages.Get(user, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify("get", err)
	}

	msg := parseMessage(fullMsg)
	return &msg, nil
}

// MarkRead removes the UNREAD label from the given messages
func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	for batch := range slices.Chunk(ids, maxModifyBatch) {
		req := &gmail.BatchModifyMessagesRequest{
			Ids:            batch,
			RemoveLabelIds: []string{unreadLabel},
		}
		if err := c.service.Users.Messages.BatchModify(user, req).Context(ctx).Do(); err != nil {
			return classify("modify", err)
		}
	}
	return nil
}

func buildQuery(filter source.Filter) string {
	var parts []string
	if filter.Sender != "" {
		parts = append(parts, "from:"+filter.Sender)
	}
	if filter.Subject != "" {
		parts = append(parts, fmt.Sprintf("subject:%q", filter.Subject))
	}
	if !filter.After.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%d", filter.After.Unix()))
	}
	if filter.UnreadOnly {
		parts = append(parts, "is:unread")
	}
	return strings.Join(parts, " ")
}

func matchesFilter(msg models.RawMessage, filter source.Filter) bool {
	if filter.Sender != "" && !senderMatches(msg.From, filter.Sender) {
		return false
	}
	if filter.Subject != "" && !strings.Contains(strings.ToLower(msg.Subject), strings.ToLower(filter.Subject)) {
		return false
	}
	if !filter.After.IsZero() && !msg.InternalDate.IsZero() && msg.InternalDate.Before(filter.After) {
		return false
	}
	return true
}

func senderMatches(from, sender string) bool {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.EqualFold(addr.Address, sender)
	}
	return strings.Contains(strings.ToLower(from), strings.ToLower(sender))
}

// classify maps Gmail API errors onto the source error model
func classify(op string, err error) error {
	if op == "history" && isNotFound(err) {
		return fmt.Errorf("%w: %v", source.ErrTokenExpired, err)
	}
	return source.Unavailable(op, err)
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// parseMessage converts a Gmail message into a RawMessage
func parseMessage(msg *gmail.Message) models.RawMessage {
	raw := models.RawMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Labels:   msg.LabelIds,
	}

	// Internal date is milliseconds since epoch
	if msg.InternalDate > 0 {
		raw.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}

	if msg.Payload == nil {
		return raw
	}

	for _, header := range msg.Payload.Headers {
		switch strings.ToLower(header.Name) {
		case "subject":
			raw.Subject = header.Value
		case "from":
			raw.From = header.Value
		case "date":
			raw.DateHeader = header.Value
		}
	}

	raw.BodyText, raw.BodyHTML = extractBodies(msg.Payload)
	return raw
}

// extractBodies extracts both text and HTML bodies from message payload
func extractBodies(payload *gmail.MessagePart) (string, string) {
	var textPlain, textHTML string

	// Check if body is in the main payload
	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := decodeBody(payload.Body.Data); err == nil {
			switch payload.MimeType {
			case "text/plain":
				textPlain = decoded
			case "text/html":
				textHTML = decoded
			}
		}
	}

	extractBodiesFromParts(payload.Parts, &textPlain, &textHTML)

	return textPlain, textHTML
}

// extractBodiesFromParts recursively extracts text and HTML from message parts
func extractBodiesFromParts(parts []*gmail.MessagePart, textPlain, textHTML *string) {
	for _, part := range parts {
		if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBody(part.Body.Data); err == nil {
				if part.MimeType == "text/plain" && *textPlain == "" {
					*textPlain = decoded
				} else if part.MimeType == "text/html" && *textHTML == "" {
					*textHTML = decoded
				}
			}
		}

		if len(part.Parts) > 0 {
			extractBodiesFromParts(part.Parts, textPlain, textHTML)
		}
	}
}

// decodeBody decodes base64url body data, padded or not
func decodeBody(data string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
