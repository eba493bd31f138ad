package services

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

// recordElements maps each data type to the element name holding one record.
var recordElements = map[models.DataType]string{
	models.DataTypeArtists:  "artist",
	models.DataTypeLabels:   "label",
	models.DataTypeMasters:  "master",
	models.DataTypeReleases: "release",
}

type XMLParserService struct {
	log logger.Logger
}

func NewXMLParserService() *XMLParserService {
	return &XMLParserService{
		log: logger.New("xmlParserService"),
	}
}

// ParseFile streams a gzipped dump from disk, invoking emit once per
// normalized record. Returns the number of records emitted.
func (ps *XMLParserService) ParseFile(
	ctx context.Context,
	path string,
	dataType models.DataType,
	emit func(map[string]any) error,
) (int64, error) {
	log := ps.log.Function("ParseFile")

	file, err := os.Open(path)
	if err != nil {
		return 0, log.Err("failed to open dump file", err, "path", path)
	}
	defer func() {
		_ = file.Close()
	}()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return 0, log.Err("failed to open gzip stream", err, "path", path)
	}
	defer func() {
		_ = gzReader.Close()
	}()

	return ps.ParseStream(ctx, gzReader, dataType, emit)
}

// ParseStream walks the decompressed XML token by token, never holding more
// than one record in memory.
func (ps *XMLParserService) ParseStream(
	ctx context.Context,
	reader io.Reader,
	dataType models.DataType,
	emit func(map[string]any) error,
) (int64, error) {
	log := ps.log.Function("ParseStream")

	recordElement, ok := recordElements[dataType]
	if !ok {
		return 0, log.Err("unsupported data type", fmt.Errorf("no record element for %s", dataType))
	}

	decoder := xml.NewDecoder(reader)
	var count int64
	depth := 0

	for {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}

		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, log.Err("XML decode error", err, "records", count)
		}

		switch element := token.(type) {
		case xml.StartElement:
			if depth == 0 && element.Name.Local != dataType.String() {
				return count, log.Err(
					"dump root element does not match data type",
					fmt.Errorf("got <%s>, want <%s>", element.Name.Local, dataType),
				)
			}

			if depth == 1 && element.Name.Local == recordElement {
				node, err := parseNode(decoder, element)
				if err != nil {
					return count, log.Err("failed to parse record element", err, "records", count)
				}

				body := normalizeRecord(dataType, node)
				if body == nil {
					// Records without an id cannot be keyed downstream
					continue
				}

				if err := emit(body); err != nil {
					return count, err
				}
				count++
				continue
			}

			depth++
		case xml.EndElement:
			depth--
		}
	}

	return count, nil
}

// xmlNode is one fully-read element subtree.
type xmlNode struct {
	name     string
	attrs    map[string]string
	text     string
	children []*xmlNode
}

func parseNode(decoder *xml.Decoder, start xml.StartElement) (*xmlNode, error) {
	node := &xmlNode{name: start.Name.Local}

	if len(start.Attr) > 0 {
		node.attrs = make(map[string]string, len(start.Attr))
		for _, attr := range start.Attr {
			node.attrs[attr.Name.Local] = attr.Value
		}
	}

	var text strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			return nil, err
		}

		switch element := token.(type) {
		case xml.StartElement:
			child, err := parseNode(decoder, element)
			if err != nil {
				return nil, err
			}
			node.children = append(node.children, child)
		case xml.CharData:
			text.Write(element)
		case xml.EndElement:
			node.text = strings.TrimSpace(text.String())
			return node, nil
		}
	}
}

func (n *xmlNode) attr(name string) string {
	return n.attrs[name]
}

func (n *xmlNode) child(name string) *xmlNode {
	for _, child := range n.children {
		if child.name == name {
			return child
		}
	}
	return nil
}

func (n *xmlNode) childText(name string) string {
	if child := n.child(name); child != nil {
		return child.text
	}
	return ""
}

// childRefs collects {id, name} pairs from a container child whose entries
// carry the id as an attribute, like <members><name id="26">Alexi</name>.
func (n *xmlNode) childRefs(container, entry string) []any {
	parent := n.child(container)
	if parent == nil {
		return nil
	}

	var refs []any
	for _, child := range parent.children {
		if child.name != entry {
			continue
		}

		id := child.attr("id")
		name := child.text
		if name == "" {
			name = child.attr("name")
		}
		if id == "" {
			continue
		}

		refs = append(refs, refMap(id, name))
	}
	return refs
}

// childEntityRefs collects {id, name} pairs from a container whose entries
// carry id and name as child elements, like release <artists><artist>.
func (n *xmlNode) childEntityRefs(container, entry string) []any {
	parent := n.child(container)
	if parent == nil {
		return nil
	}

	var refs []any
	for _, child := range parent.children {
		if child.name != entry {
			continue
		}

		id := child.childText("id")
		if id == "" {
			id = child.attr("id")
		}
		if id == "" {
			continue
		}

		name := child.childText("name")
		if name == "" {
			name = child.attr("name")
		}

		refs = append(refs, refMap(id, name))
	}
	return refs
}

// childTexts collects the text values of a container's entries, like
// <genres><genre>Electronic</genre></genres>.
func (n *xmlNode) childTexts(container, entry string) []any {
	parent := n.child(container)
	if parent == nil {
		return nil
	}

	var values []any
	for _, child := range parent.children {
		if child.name == entry && child.text != "" {
			values = append(values, child.text)
		}
	}
	return values
}

func refMap(id, name string) map[string]any {
	ref := map[string]any{"id": id}
	if name != "" {
		ref["name"] = name
	}
	return ref
}

func normalizeRecord(dataType models.DataType, node *xmlNode) map[string]any {
	switch dataType {
	case models.DataTypeArtists:
		return normalizeArtist(node)
	case models.DataTypeLabels:
		return normalizeLabel(node)
	case models.DataTypeMasters:
		return normalizeMaster(node)
	case models.DataTypeReleases:
		return normalizeRelease(node)
	}
	return nil
}

func normalizeArtist(node *xmlNode) map[string]any {
	id := node.childText("id")
	if id == "" {
		return nil
	}

	body := map[string]any{
		"id":   id,
		"name": node.childText("name"),
	}

	if members := node.childRefs("members", "name"); len(members) > 0 {
		body["members"] = members
	}
	if groups := node.childRefs("groups", "name"); len(groups) > 0 {
		body["groups"] = groups
	}
	if aliases := node.childRefs("aliases", "name"); len(aliases) > 0 {
		body["aliases"] = aliases
	}

	return body
}

func normalizeLabel(node *xmlNode) map[string]any {
	id := node.childText("id")
	if id == "" {
		return nil
	}

	body := map[string]any{
		"id":   id,
		"name": node.childText("name"),
	}

	if parent := node.child("parentLabel"); parent != nil && parent.attr("id") != "" {
		body["parentLabel"] = refMap(parent.attr("id"), parent.text)
	}
	if sublabels := node.childRefs("sublabels", "label"); len(sublabels) > 0 {
		body["sublabels"] = sublabels
	}

	return body
}

func normalizeMaster(node *xmlNode) map[string]any {
	// Masters carry their id as an attribute on the record element
	id := node.attr("id")
	if id == "" {
		return nil
	}

	body := map[string]any{
		"id":    id,
		"title": node.childText("title"),
	}

	if year := node.childText("year"); year != "" {
		body["year"] = year
	}
	if artists := node.childEntityRefs("artists", "artist"); len(artists) > 0 {
		body["artists"] = artists
	}
	if genres := node.childTexts("genres", "genre"); len(genres) > 0 {
		body["genres"] = genres
	}
	if styles := node.childTexts("styles", "style"); len(styles) > 0 {
		body["styles"] = styles
	}

	return body
}

func normalizeRelease(node *xmlNode) map[string]any {
	id := node.attr("id")
	if id == "" {
		return nil
	}

	body := map[string]any{
		"id":    id,
		"title": node.childText("title"),
	}

	if artists := node.childEntityRefs("artists", "artist"); len(artists) > 0 {
		body["artists"] = artists
	}
	if labels := node.childEntityRefs("labels", "label"); len(labels) > 0 {
		body["labels"] = labels
	}
	if masterID := node.childText("master_id"); masterID != "" {
		body["master_id"] = masterID
	}
	if genres := node.childTexts("genres", "genre"); len(genres) > 0 {
		body["genres"] = genres
	}
	if styles := node.childTexts("styles", "style"); len(styles) > 0 {
		body["styles"] = styles
	}

	return body
}
