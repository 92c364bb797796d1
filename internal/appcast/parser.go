package appcast

import (
	"encoding/xml"
	"io"
	"log"
	"strconv"
	"strings"
	"time"
)

// RSS pubDate formats seen in the wild, in preference order. RFC 2822
// allows both zone offsets and zone names, and single-digit days.
var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
}

// ParseLatestItem returns the first item in document order, which the
// feed's publisher guarantees is the latest version. Callers must not
// reorder by semantic version.
func ParseLatestItem(xmlText string) (*Item, bool) {
	items := ParseAllItems(xmlText)
	if len(items) == 0 {
		return nil, false
	}
	return &items[0], true
}

// ParseAllItems parses every well-formed <item> under <channel>, in
// document order. It never returns an error: malformed XML yields an
// empty slice, and individual items missing a valid version or carrying
// no enclosures are dropped with a warning.
func ParseAllItems(xmlText string) []Item {
	decoder := xml.NewDecoder(strings.NewReader(xmlText))
	decoder.Strict = false

	var items []Item
	var current *Item
	inChannel := false
	itemDepth := 0
	depth := 0

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("analos: failed to parse appcast XML: %v", err)
			return nil
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case t.Name.Local == "channel":
				inChannel = true
			case t.Name.Local == "item" && inChannel:
				current = &Item{}
				itemDepth = depth
			case current != nil && t.Name.Local == "version":
				// Matches both <version> and <sparkle:version>.
				if text, ok := elementText(decoder, &depth); ok {
					if v, ok := ParseVersion(text); ok {
						current.Version = v
					}
				}
			case current != nil && t.Name.Local == "pubDate":
				if text, ok := elementText(decoder, &depth); ok {
					current.PubDate = parsePubDate(text)
				}
			case current != nil && t.Name.Local == "enclosure":
				enclosure := parseEnclosure(t.Attr)
				if enclosure.URL != "" {
					current.Enclosures = append(current.Enclosures, enclosure)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "channel" {
				inChannel = false
			} else if t.Name.Local == "item" && current != nil && depth == itemDepth {
				if current.Version.IsValid() && len(current.Enclosures) > 0 {
					items = append(items, *current)
				} else {
					log.Printf("analos: skipping invalid appcast item (no valid version or enclosures)")
				}
				current = nil
			}
			depth--
		}
	}

	return items
}

// elementText consumes the character data and closing tag of the element
// just opened, adjusting the caller's depth counter for the consumed end
// element.
func elementText(decoder *xml.Decoder, depth *int) (string, bool) {
	var sb strings.Builder
	for {
		tok, err := decoder.Token()
		if tok == nil || err != nil {
			return "", false
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			*depth--
			return strings.TrimSpace(sb.String()), true
		case xml.StartElement:
			// Nested markup inside a text element is not part of the
			// subset; skip it wholesale.
			if err := decoder.Skip(); err != nil {
				return "", false
			}
		}
	}
}

func parsePubDate(s string) time.Time {
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	// Unparsable dates degrade to the zero time rather than failing
	// the item.
	return time.Time{}
}

func parseEnclosure(attrs []xml.Attr) Enclosure {
	var e Enclosure
	for _, attr := range attrs {
		switch attr.Name.Local {
		case "url":
			e.URL = attr.Value
		case "os":
			e.OS = attr.Value
		case "arch":
			e.Arch = attr.Value
		case "edSignature":
			e.Signature = attr.Value
		case "length":
			if n, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
				e.Length = n
			}
		}
	}
	return e
}
