// Package imap reads voucher notifications from any IMAP mailbox. Resume
// tokens have the form "<uidvalidity>:<uid>" and are only meaningful to
// this package.
package imap

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strconv"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/vipul43/voucher-worker/internal/models"
	"github.com/vipul43/voucher-worker/internal/source"
)

const defaultPageSize = 50

// Config holds the IMAP connection settings
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
	Mailbox  string
}

// Client is a source.Source over one IMAP mailbox. Every scan opens its own
// connection and closes it when the sequence ends.
type Client struct {
	cfg Config
}

var (
	_ source.Source       = (*Client)(nil)
	_ source.Acknowledger = (*Client)(nil)
)

func NewClient(cfg Config) *Client {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &Client{cfg: cfg}
}

// connect dials, authenticates and selects the configured mailbox. The
// caller must Logout the returned client.
func (c *Client) connect(ctx context.Context) (*imapclient.Client, *goimap.SelectData, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	addr := c.cfg.Host + ":" + c.cfg.Port

	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, nil, source.Unavailable("dial", fmt.Errorf("connecting to IMAP %s: %w", addr, err))
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, nil, source.Unavailable("login", fmt.Errorf("authentication failed for %s: %w", c.cfg.Username, err))
	}

	selected, err := client.Select(c.cfg.Mailbox, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, nil, source.Unavailable("select", fmt.Errorf("selecting %s: %w", c.cfg.Mailbox, err))
	}

	return client, selected, nil
}

func logout(client *imapclient.Client) {
	if err := client.Logout().Wait(); err != nil {
		log.Printf("Warning: IMAP logout failed: %v", err)
	}
}

// CurrentToken returns UIDVALIDITY and the highest assigned UID
func (c *Client) CurrentToken(ctx context.Context) (string, error) {
	client, selected, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	defer logout(client)

	return formatToken(selected.UIDValidity, lastUID(selected)), nil
}

// BoundedScan yields every message matching filter in UID order
func (c *Client) BoundedScan(ctx context.Context, filter source.Filter, pageSize int) source.Sequence {
	return func(yield func(models.RawMessage, error) bool) {
		client, selected, err := c.connect(ctx)
		if err != nil {
			yield(models.RawMessage{}, err)
			return
		}
		defer logout(client)

		uids, err := search(client, buildCriteria(filter, 0))
		if err != nil {
			yield(models.RawMessage{}, err)
			return
		}
		log.Printf("IMAP search returned %d messages in %s", len(uids), c.cfg.Mailbox)

		c.fetchPages(ctx, client, selected.UIDValidity, uids, filter, pageSize, func(msg models.RawMessage, _ goimap.UID) bool {
			return yield(msg, nil)
		}, func(err error) {
			yield(models.RawMessage{}, err)
		})
	}
}

// DeltaScan yields matching messages with a UID above the one in sinceToken.
// A changed UIDVALIDITY invalidates the token.
func (c *Client) DeltaScan(ctx context.Context, sinceToken string, filter source.Filter, pageSize int) (*source.Delta, error) {
	validity, since, err := parseToken(sinceToken)
	if err != nil {
		return nil, err
	}

	var (
		latest   = since
		position string
	)

	messages := func(yield func(models.RawMessage, error) bool) {
		client, selected, err := c.connect(ctx)
		if err != nil {
			yield(models.RawMessage{}, err)
			return
		}
		defer logout(client)

		if selected.UIDValidity != validity {
			yield(models.RawMessage{}, fmt.Errorf("%w: UIDVALIDITY changed from %d to %d", source.ErrTokenExpired, validity, selected.UIDValidity))
			return
		}

		uids, err := search(client, buildCriteria(filter, since))
		if err != nil {
			yield(models.RawMessage{}, err)
			return
		}
		// "n:*" always matches the highest UID, even when it is below n
		uids = slices.DeleteFunc(uids, func(uid goimap.UID) bool { return uid <= since })

		completed := c.fetchPages(ctx, client, validity, uids, source.Filter{After: filter.After}, pageSize, func(msg models.RawMessage, uid goimap.UID) bool {
			if !yield(msg, nil) {
				return false
			}
			position = formatToken(validity, uid)
			return true
		}, func(err error) {
			yield(models.RawMessage{}, err)
		})
		if !completed {
			return
		}

		latest = max(latest, lastUID(selected))
		if len(uids) > 0 {
			latest = max(latest, uids[len(uids)-1])
		}
	}

	return source.NewDelta(
		messages,
		func() string { return formatToken(validity, latest) },
		func() string { return position },
	), nil
}

// fetchPages fetches uids page by page and hands each message to emit in UID
// order. It reports whether every page was delivered.
func (c *Client) fetchPages(
	ctx context.Context,
	client *imapclient.Client,
	validity uint32,
	uids []goimap.UID,
	filter source.Filter,
	pageSize int,
	emit func(models.RawMessage, goimap.UID) bool,
	fail func(error),
) bool {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	for page := range slices.Chunk(uids, pageSize) {
		if err := ctx.Err(); err != nil {
			fail(err)
			return false
		}

		msgs, err := fetch(client, validity, page)
		if err != nil {
			fail(err)
			return false
		}
		for _, m := range msgs {
			if !filter.After.IsZero() && m.msg.InternalDate.Before(filter.After) {
				continue
			}
			if !emit(m.msg, m.uid) {
				return false
			}
		}
	}
	return true
}

// MarkRead sets \Seen on the given messages. ids are RawMessage IDs issued
// by this client.
func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	client, selected, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer logout(client)

	var uids []goimap.UID
	for _, id := range ids {
		validity, uid, err := parseToken(id)
		if err != nil || validity != selected.UIDValidity {
			log.Printf("Warning: skipping mark-as-read for stale message id %s", id)
			continue
		}
		uids = append(uids, uid)
	}
	if len(uids) == 0 {
		return nil
	}

	storeCmd := client.Store(goimap.UIDSetNum(uids...), &goimap.StoreFlags{
		Op:     goimap.StoreFlagsAdd,
		Silent: true,
		Flags:  []goimap.Flag{goimap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return source.Unavailable("store", err)
	}
	return nil
}

func buildCriteria(filter source.Filter, afterUID goimap.UID) *goimap.SearchCriteria {
	criteria := &goimap.SearchCriteria{}
	if filter.Sender != "" {
		criteria.Header = append(criteria.Header, goimap.SearchCriteriaHeaderField{Key: "From", Value: filter.Sender})
	}
	if filter.Subject != "" {
		criteria.Header = append(criteria.Header, goimap.SearchCriteriaHeaderField{Key: "Subject", Value: filter.Subject})
	}
	if !filter.After.IsZero() {
		// SINCE has day granularity; the exact bound is applied after fetch
		criteria.Since = filter.After
	}
	if filter.UnreadOnly {
		criteria.NotFlag = append(criteria.NotFlag, goimap.FlagSeen)
	}
	if afterUID > 0 {
		criteria.UID = []goimap.UIDSet{{goimap.UIDRange{Start: afterUID + 1, Stop: 0}}}
	}
	return criteria
}

func search(client *imapclient.Client, criteria *goimap.SearchCriteria) ([]goimap.UID, error) {
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, source.Unavailable("search", fmt.Errorf("searching messages: %w", err))
	}
	uids := data.AllUIDs()
	slices.Sort(uids)
	return uids, nil
}

type fetched struct {
	uid goimap.UID
	msg models.RawMessage
}

func fetch(client *imapclient.Client, validity uint32, uids []goimap.UID) ([]fetched, error) {
	bodySection := &goimap.FetchItemBodySection{Peek: true}
	fetchOpts := &goimap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*goimap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(goimap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	var out []fetched
	for {
		data := fetchCmd.Next()
		if data == nil {
			break
		}

		buf, err := data.Collect()
		if err != nil {
			log.Printf("Warning: failed to collect IMAP message: %v", err)
			continue
		}

		msg := parseRFC822(buf.FindBodySection(bodySection))
		msg.ID = formatToken(validity, buf.UID)
		msg.InternalDate = buf.InternalDate.UTC()
		for _, flag := range buf.Flags {
			msg.Labels = append(msg.Labels, string(flag))
		}
		out = append(out, fetched{uid: buf.UID, msg: msg})
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, source.Unavailable("fetch", fmt.Errorf("fetching messages: %w", err))
	}

	// FETCH responses are not guaranteed to arrive in request order
	slices.SortFunc(out, func(a, b fetched) int { return cmp.Compare(a.uid, b.uid) })
	return out, nil
}

// parseRFC822 reads headers and the text/html bodies of a raw message
func parseRFC822(raw []byte) models.RawMessage {
	var msg models.RawMessage
	if len(raw) == 0 {
		return msg
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, treat the whole thing as plain text
		msg.BodyText = string(raw)
		return msg
	}
	defer mr.Close()

	msg.Subject, _ = mr.Header.Subject()
	msg.DateHeader = mr.Header.Get("Date")
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].String()
	} else {
		msg.From = mr.Header.Get("From")
	}
	if id, err := mr.Header.MessageID(); err == nil {
		msg.ThreadID = id
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("Warning: malformed MIME part: %v", err)
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && msg.BodyText == "":
			msg.BodyText = string(body)
		case strings.HasPrefix(contentType, "text/html") && msg.BodyHTML == "":
			msg.BodyHTML = string(body)
		}
	}

	return msg
}

func lastUID(selected *goimap.SelectData) goimap.UID {
	if selected.UIDNext > 0 {
		return selected.UIDNext - 1
	}
	return 0
}

func formatToken(validity uint32, uid goimap.UID) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

func parseToken(token string) (uint32, goimap.UID, error) {
	validityStr, uidStr, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed IMAP token %q", source.ErrTokenExpired, token)
	}
	validity, err := strconv.ParseUint(validityStr, 10, 32)
	if err != nil || validity == 0 {
		return 0, 0, fmt.Errorf("%w: malformed UIDVALIDITY in %q", source.ErrTokenExpired, token)
	}
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed UID in %q", source.ErrTokenExpired, token)
	}
	return uint32(validity), goimap.UID(uid), nil
}
