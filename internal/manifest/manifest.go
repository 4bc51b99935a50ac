// Package manifest parses Adobe F4M streaming manifests: the XML
// document that lists quality variants and their bootstrap descriptors.
package manifest

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Stream types declared by the streamType element.
const (
	StreamTypeLive     = "live"
	StreamTypeVOD      = "vod"
	StreamTypeRecorded = "recorded"
)

// ErrMalformed is returned when the document is not a usable manifest.
var ErrMalformed = errors.New("manifest: malformed manifest")

// BootstrapDescriptor describes where the bootstrap for a set of
// variants comes from: either an inline base64 blob or a relative URL.
type BootstrapDescriptor struct {
	ID      string
	URL     string
	Profile string

	// Metadata is the decoded inline bootstrap blob, empty when the
	// bootstrap must be fetched from URL instead.
	Metadata []byte
}

// Variant is one quality level of the stream.
type Variant struct {
	// Bitrate in kbit/s as declared by the manifest.
	Bitrate int

	// URL is the relative fragment URL prefix.
	URL string

	// BootstrapID references a BootstrapDescriptor by id.
	BootstrapID string

	// Metadata is the decoded AMF onMetaData blob for this variant.
	Metadata []byte
}

// Manifest is a parsed F4M document. Immutable after Parse.
type Manifest struct {
	ID         string
	StreamType string
	Bootstraps []BootstrapDescriptor
	Variants   []Variant
}

// node is a DOM-like view over the manifest document, capturing the
// name, attributes, text content and children of each element.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

// attr returns the named attribute or "".
func (n *node) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// child returns the first child element with the given name.
func (n *node) child(name string) *node {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == name {
			return &n.Children[i]
		}
	}
	return nil
}

// Parse decodes an F4M manifest document.
func Parse(data []byte) (*Manifest, error) {
	var root node
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if root.XMLName.Local != "manifest" {
		return nil, fmt.Errorf("%w: root element is %q, want manifest", ErrMalformed, root.XMLName.Local)
	}

	m := &Manifest{}

	for i := range root.Children {
		child := &root.Children[i]

		switch child.XMLName.Local {
		case "id":
			m.ID = strings.TrimSpace(child.Content)

		case "streamType":
			m.StreamType = strings.TrimSpace(child.Content)

		case "bootstrapInfo":
			desc, err := parseBootstrapInfo(child)
			if err != nil {
				return nil, err
			}
			m.Bootstraps = append(m.Bootstraps, desc)

		case "media":
			variant, err := parseMedia(child)
			if err != nil {
				return nil, err
			}
			m.Variants = append(m.Variants, variant)
		}
	}

	return m, nil
}

func parseBootstrapInfo(n *node) (BootstrapDescriptor, error) {
	desc := BootstrapDescriptor{
		ID:      n.attr("id"),
		URL:     n.attr("url"),
		Profile: n.attr("profile"),
	}

	blob, err := decodeBase64Content(n.Content)
	if err != nil {
		return desc, fmt.Errorf("%w: bootstrapInfo %q: %v", ErrMalformed, desc.ID, err)
	}
	desc.Metadata = blob

	if desc.URL == "" && len(desc.Metadata) == 0 {
		return desc, fmt.Errorf("%w: bootstrapInfo %q has neither url nor inline data", ErrMalformed, desc.ID)
	}

	return desc, nil
}

func parseMedia(n *node) (Variant, error) {
	variant := Variant{
		URL:         n.attr("url"),
		BootstrapID: n.attr("bootstrapInfoId"),
	}

	if s := n.attr("bitrate"); s != "" {
		bitrate, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return variant, fmt.Errorf("%w: media bitrate %q: %v", ErrMalformed, s, err)
		}
		variant.Bitrate = bitrate
	}

	if meta := n.child("metadata"); meta != nil {
		blob, err := decodeBase64Content(meta.Content)
		if err != nil {
			return variant, fmt.Errorf("%w: media metadata: %v", ErrMalformed, err)
		}
		variant.Metadata = blob
	}

	return variant, nil
}

// decodeBase64Content decodes element text as base64 after stripping the
// newline and tab padding the packager wraps blobs in. Characters other
// than the base64 alphabet are errors.
func decodeBase64Content(content string) ([]byte, error) {
	trimmed := strings.Trim(content, "\n\t\r ")
	if trimmed == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(trimmed)
}

// BootstrapByID resolves a variant's bootstrap reference. Matching is
// case-insensitive.
func (m *Manifest) BootstrapByID(id string) (*BootstrapDescriptor, bool) {
	for i := range m.Bootstraps {
		if strings.EqualFold(m.Bootstraps[i].ID, id) {
			return &m.Bootstraps[i], true
		}
	}
	return nil, false
}

// IsLive reports whether the manifest declares a live stream.
func (m *Manifest) IsLive() bool {
	return strings.EqualFold(m.StreamType, StreamTypeLive)
}

// Validate checks cross-references: every variant's BootstrapID must
// resolve to a descriptor.
func (m *Manifest) Validate() error {
	for _, v := range m.Variants {
		if _, ok := m.BootstrapByID(v.BootstrapID); !ok {
			return fmt.Errorf("%w: variant %q references unknown bootstrap %q", ErrMalformed, v.URL, v.BootstrapID)
		}
	}
	return nil
}
