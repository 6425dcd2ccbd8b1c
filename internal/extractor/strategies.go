package extractor

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/vipul43/voucher-worker/internal/brands"
	"github.com/vipul43/voucher-worker/internal/models"
)

var (
	logoPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/logo/([^/]+?)\.png`),
		regexp.MustCompile(`/brands/([^/]+?)\.png`),
	}

	// "Label: value" on one line
	labelLine = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z \-']{0,40}?)\s*:\s*(\S.*?)\s*$`)
)

// cardStrategy reads the card layout: a brand cell (td width=100px) holding
// the logo and caption, followed by a details cell whose label divs
// (font-size 11px) are each followed by a value div.
var cardStrategy = Strategy{
	Name: "card",
	Match: func(doc *goquery.Document, _ models.RawMessage) bool {
		matched := false
		brandCells(doc).EachWithBreak(func(_ int, cell *goquery.Selection) bool {
			if len(cardFields(detailsCell(cell))) > 0 {
				matched = true
			}
			return !matched
		})
		return matched
	},
	Blocks: func(doc *goquery.Document, _ models.RawMessage) []block {
		var blocks []block
		brandCells(doc).Each(func(_ int, cell *goquery.Selection) {
			fields := cardFields(detailsCell(cell))
			if len(fields) == 0 {
				return
			}
			brand, logo := cardBrand(cell)
			blocks = append(blocks, block{brand: brand, logoURL: logo, fields: fields})
		})
		return blocks
	},
}

func brandCells(doc *goquery.Document) *goquery.Selection {
	return doc.Find("td").FilterFunction(func(_ int, s *goquery.Selection) bool {
		width, _ := s.Attr("width")
		return strings.TrimSpace(width) == "100px"
	})
}

func detailsCell(brandCell *goquery.Selection) *goquery.Selection {
	return brandCell.NextAllFiltered("td").First()
}

func cardBrand(cell *goquery.Selection) (brand, logo string) {
	img := cell.Find("img").First()
	logo, _ = img.Attr("src")

	cell.Find("div").EachWithBreak(func(_ int, div *goquery.Selection) bool {
		if strings.Contains(compactStyle(div), "text-align:center") {
			brand = cleanText(div.Text())
		}
		return brand == ""
	})
	if brand == "" {
		alt, _ := img.Attr("alt")
		brand = cleanText(alt)
	}
	if brand == "" {
		brand = brandFromLogo(logo)
	}
	if brand == "" {
		brand = brands.Unknown
	}
	return brand, logo
}

func cardFields(details *goquery.Selection) map[string]string {
	fields := map[string]string{}
	details.Find("div").Each(func(_ int, div *goquery.Selection) {
		if !strings.Contains(compactStyle(div), "font-size:11px") {
			return
		}
		field, ok := normalizeField(cleanText(div.Text()))
		if !ok {
			return
		}
		value := div.NextAllFiltered("div").First()
		if value.Length() == 0 {
			return
		}
		if _, seen := fields[field]; !seen {
			fields[field] = cleanText(value.Text())
		}
	})
	return fields
}

// tableStrategy reads two-column label/value tables. A new voucher block
// starts whenever a row repeats a field the current block already has.
var tableStrategy = Strategy{
	Name: "table",
	Match: func(doc *goquery.Document, _ models.RawMessage) bool {
		for _, row := range labelRows(doc) {
			if row.field == fieldCode {
				return true
			}
		}
		return false
	},
	Blocks: func(doc *goquery.Document, msg models.RawMessage) []block {
		brand, logo := documentBrand(doc, msg)

		var (
			blocks  []block
			current map[string]string
		)
		for _, row := range labelRows(doc) {
			if _, seen := current[row.field]; current == nil || seen {
				current = map[string]string{}
				blocks = append(blocks, block{brand: brand, logoURL: logo, fields: current})
			}
			current[row.field] = row.value
		}
		return blocks
	},
}

type labelRow struct {
	field string
	value string
}

func labelRows(doc *goquery.Document) []labelRow {
	var rows []labelRow
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("td, th")
		if cells.Length() != 2 {
			return
		}
		field, ok := normalizeField(cleanText(cells.First().Text()))
		if !ok {
			return
		}
		rows = append(rows, labelRow{field: field, value: cleanText(cells.Last().Text())})
	})
	return rows
}

// genericStrategy scans the visible text for "Label: value" lines. It is the
// last resort and fails closed: without a code it yields nothing.
var genericStrategy = Strategy{
	Name:       "generic",
	FailClosed: true,
	Match: func(*goquery.Document, models.RawMessage) bool {
		return true
	},
	Blocks: func(doc *goquery.Document, msg models.RawMessage) []block {
		fields := map[string]string{}
		lines := textLines(doc, msg)
		for i, line := range lines {
			if m := labelLine.FindStringSubmatch(line); m != nil {
				if field, ok := normalizeField(m[1]); ok {
					if _, seen := fields[field]; !seen {
						fields[field] = m[2]
					}
					continue
				}
			}
			// Label alone on its line, value on the next one
			if field, ok := normalizeField(line); ok && i+1 < len(lines) {
				if _, seen := fields[field]; !seen {
					fields[field] = lines[i+1]
				}
			}
		}
		if fields[fieldCode] == "" {
			return nil
		}
		brand, logo := documentBrand(doc, msg)
		return []block{{brand: brand, logoURL: logo, fields: fields}}
	},
}

// textLines returns the non-empty text lines of the message: the plain-text
// body when present, otherwise the text of every leaf element of the HTML.
func textLines(doc *goquery.Document, msg models.RawMessage) []string {
	var lines []string
	if strings.TrimSpace(msg.BodyText) != "" {
		for _, l := range strings.Split(msg.BodyText, "\n") {
			if l = cleanText(l); l != "" {
				lines = append(lines, l)
			}
		}
		return lines
	}

	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 0 {
			return
		}
		for _, l := range strings.Split(s.Text(), "\n") {
			if l = cleanText(l); l != "" {
				lines = append(lines, l)
			}
		}
	})
	return lines
}

// documentBrand identifies the brand of a whole message: registered logo,
// image alt text naming a registered brand, then the subject line.
func documentBrand(doc *goquery.Document, msg models.RawMessage) (brand, logo string) {
	doc.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src, _ := img.Attr("src")
		alt, _ := img.Attr("alt")
		if name := brandFromLogo(src); name != "" {
			brand, logo = name, src
			return false
		}
		if p, ok := brands.Detect(alt); ok {
			brand, logo = p.Name, src
			return false
		}
		return true
	})
	if brand != "" {
		return brand, logo
	}
	if p, ok := brands.Detect(msg.Subject); ok {
		return p.Name, ""
	}
	return brands.Unknown, ""
}

func compactStyle(s *goquery.Selection) string {
	style, _ := s.Attr("style")
	return strings.ToLower(strings.Join(strings.Fields(style), ""))
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
