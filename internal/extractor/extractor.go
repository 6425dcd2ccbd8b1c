// Package extractor turns voucher notification emails into voucher records.
//
// Extraction is a dispatch over template strategies: the first strategy whose
// classifier accepts the message owns it. A message that no strategy accepts,
// or that comes from a different sender, is unmatched and yields no record.
// Extraction is pure; the same message always yields the same records.
package extractor

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/vipul43/voucher-worker/internal/brands"
	"github.com/vipul43/voucher-worker/internal/models"
)

// ParseError reports a message that matched a voucher template but could
// not be turned into a complete record.
type ParseError struct {
	MessageID string
	Strategy  string
	Brand     string
	Err       error
}

func (e *ParseError) Error() string {
	if e.Brand != "" {
		return fmt.Sprintf("parse message %s (%s, brand %q): %v", e.MessageID, e.Strategy, e.Brand, e.Err)
	}
	return fmt.Sprintf("parse message %s (%s): %v", e.MessageID, e.Strategy, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var (
	errMissingCode  = errors.New("voucher code not found")
	errMissingValue = errors.New("voucher value not found")
	errNoVoucher    = errors.New("template matched but no voucher block could be read")
)

// block is one voucher as read from a template, before field parsing.
type block struct {
	brand   string
	logoURL string
	fields  map[string]string
}

// Strategy extracts voucher blocks from one family of notification templates.
type Strategy struct {
	Name string
	// Match classifies the message as belonging to this template family
	Match func(doc *goquery.Document, msg models.RawMessage) bool
	// Blocks reads the voucher blocks of a matched message
	Blocks func(doc *goquery.Document, msg models.RawMessage) []block
	// FailClosed strategies drop a message silently when no code is found
	// instead of reporting a ParseError.
	FailClosed bool
}

// DefaultStrategies is the ordered strategy table. Specific templates come
// first; the generic text scan is the last resort.
func DefaultStrategies() []Strategy {
	return []Strategy{cardStrategy, tableStrategy, genericStrategy}
}

type Extractor struct {
	sender     string
	strategies []Strategy
}

// New creates an extractor for messages sent by sender. An empty sender
// accepts every message.
func New(sender string) *Extractor {
	return NewWithStrategies(sender, DefaultStrategies())
}

// NewWithStrategies creates an extractor with a custom strategy table
func NewWithStrategies(sender string, strategies []Strategy) *Extractor {
	return &Extractor{
		sender:     strings.ToLower(strings.TrimSpace(sender)),
		strategies: strategies,
	}
}

// Extract returns the voucher carried by msg, or nil when the message is not
// a voucher notification.
func (e *Extractor) Extract(msg models.RawMessage) (*models.Voucher, error) {
	vouchers, err := e.ExtractAll(msg)
	if len(vouchers) > 0 {
		return &vouchers[0], nil
	}
	return nil, err
}

// ExtractAll returns every voucher carried by msg in document order. Blocks
// that fail to parse are dropped and reported through the returned error
// (one *ParseError per dropped block) while the others are still returned.
func (e *Extractor) ExtractAll(msg models.RawMessage) ([]models.Voucher, error) {
	if !e.fromSender(msg.From) {
		return nil, nil
	}

	doc, err := documentFor(msg)
	if err != nil {
		return nil, &ParseError{MessageID: msg.ID, Strategy: "html", Err: err}
	}

	for _, strategy := range e.strategies {
		if !strategy.Match(doc, msg) {
			continue
		}
		return e.run(strategy, doc, msg)
	}

	return nil, nil
}

func (e *Extractor) run(strategy Strategy, doc *goquery.Document, msg models.RawMessage) ([]models.Voucher, error) {
	blocks := strategy.Blocks(doc, msg)
	if len(blocks) == 0 {
		if strategy.FailClosed {
			return nil, nil
		}
		return nil, &ParseError{MessageID: msg.ID, Strategy: strategy.Name, Err: errNoVoucher}
	}

	emailDate := messageDate(msg)

	var (
		vouchers []models.Voucher
		errs     []error
	)
	for _, b := range blocks {
		if strategy.FailClosed && strings.TrimSpace(b.fields[fieldCode]) == "" {
			continue
		}
		v, err := buildVoucher(b, msg.ID, emailDate)
		if err != nil {
			errs = append(errs, &ParseError{MessageID: msg.ID, Strategy: strategy.Name, Brand: b.brand, Err: err})
			continue
		}
		vouchers = append(vouchers, v)
	}

	return vouchers, errors.Join(errs...)
}

func (e *Extractor) fromSender(from string) bool {
	if e.sender == "" {
		return true
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.EqualFold(addr.Address, e.sender)
	}
	return strings.Contains(strings.ToLower(from), e.sender)
}

func buildVoucher(b block, messageID string, emailDate time.Time) (models.Voucher, error) {
	code := strings.TrimSpace(b.fields[fieldCode])
	if code == "" {
		return models.Voucher{}, errMissingCode
	}

	rawValue, ok := b.fields[fieldValue]
	if !ok || strings.TrimSpace(rawValue) == "" {
		return models.Voucher{}, errMissingValue
	}
	value, err := ParseAmount(rawValue)
	if err != nil {
		return models.Voucher{}, err
	}

	v := models.Voucher{
		Brand:           b.brand,
		LogoURL:         b.logoURL,
		Value:           value,
		Code:            code,
		Pin:             strings.TrimSpace(b.fields[fieldPin]),
		EmailDate:       emailDate,
		SourceMessageID: messageID,
	}
	if expiry, ok := ParseExpiry(b.fields[fieldExpiry]); ok {
		v.ExpiryDate = &expiry
	}
	return v, nil
}

// messageDate prefers the Date header and falls back to the source's
// internal timestamp.
func messageDate(msg models.RawMessage) time.Time {
	if msg.DateHeader != "" {
		if t, err := parseEmailDate(msg.DateHeader); err == nil {
			return t
		}
	}
	return msg.InternalDate
}

func documentFor(msg models.RawMessage) (*goquery.Document, error) {
	body := msg.BodyHTML
	if strings.TrimSpace(body) == "" {
		body = "<html><body><pre>" + escapeText(msg.BodyText) + "</pre></body></html>"
	}
	return goquery.NewDocumentFromReader(strings.NewReader(body))
}

func escapeText(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// brandFromLogo resolves a brand from logo URLs of the form .../logo/<id>.png
// or .../brands/<name>.png.
func brandFromLogo(logoURL string) string {
	for _, re := range logoPatterns {
		m := re.FindStringSubmatch(logoURL)
		if m == nil {
			continue
		}
		if p, ok := brands.ByLogoID(m[1]); ok {
			return p.Name
		}
		return fmt.Sprintf("%s (logo %s)", brands.Unknown, m[1])
	}
	return ""
}
