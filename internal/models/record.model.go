package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type DataType string

const (
	DataTypeArtists  DataType = "artists"
	DataTypeLabels   DataType = "labels"
	DataTypeMasters  DataType = "masters"
	DataTypeReleases DataType = "releases"
)

func (d DataType) String() string {
	return string(d)
}

var AllDataTypes = []DataType{
	DataTypeArtists,
	DataTypeLabels,
	DataTypeMasters,
	DataTypeReleases,
}

func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case DataTypeArtists, DataTypeLabels, DataTypeMasters, DataTypeReleases:
		return DataType(s), nil
	}
	return "", fmt.Errorf("unknown data type: %s", s)
}

// DataTypeFromFilename maps a dump filename like discogs_20260101_artists.xml.gz
// to its data type.
func DataTypeFromFilename(filename string) (DataType, bool) {
	for _, dataType := range AllDataTypes {
		suffix := fmt.Sprintf("_%s.xml.gz", dataType)
		if len(filename) > len(suffix) && filename[len(filename)-len(suffix):] == suffix {
			return dataType, true
		}
	}
	return "", false
}

// Record is one dump entry in transit: the normalized body plus its routing
// metadata. The body always carries an "id" key and, once stamped, a "sha256"
// key computed over the body without the hash itself.
type Record struct {
	DataType DataType
	Body     map[string]any
}

func (r Record) ID() string {
	id, _ := r.Body["id"].(string)
	return id
}

func (r Record) Hash() string {
	hash, _ := r.Body["sha256"].(string)
	return hash
}

// Ref is a reference to another catalog entity inside a record body, such as
// a band member or a release's label.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ArtistRecord is the typed consumer-side view of an artists message.
type ArtistRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	SHA256  string `json:"sha256"`
	Members []Ref  `json:"members,omitempty"`
	Groups  []Ref  `json:"groups,omitempty"`
	Aliases []Ref  `json:"aliases,omitempty"`
}

type LabelRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SHA256      string `json:"sha256"`
	ParentLabel *Ref   `json:"parentLabel,omitempty"`
	Sublabels   []Ref  `json:"sublabels,omitempty"`
}

type MasterRecord struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Year    string   `json:"year,omitempty"`
	SHA256  string   `json:"sha256"`
	Artists []Ref    `json:"artists,omitempty"`
	Genres  []string `json:"genres,omitempty"`
	Styles  []string `json:"styles,omitempty"`
}

type ReleaseRecord struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	SHA256   string   `json:"sha256"`
	Artists  []Ref    `json:"artists,omitempty"`
	Labels   []Ref    `json:"labels,omitempty"`
	MasterID string   `json:"master_id,omitempty"`
	Genres   []string `json:"genres,omitempty"`
	Styles   []string `json:"styles,omitempty"`
}

// FileComplete is the sentinel emitted on a data type's routing key when an
// extractor finishes a file, so consumers can observe per-file boundaries.
type FileComplete struct {
	Type           string   `json:"type"`
	DataType       DataType `json:"data_type"`
	Timestamp      string   `json:"timestamp"`
	TotalProcessed int64    `json:"total_processed"`
	File           string   `json:"file"`
}

const FileCompleteType = "file_complete"

func NewFileComplete(dataType DataType, totalProcessed int64, file string) FileComplete {
	return FileComplete{
		Type:           FileCompleteType,
		DataType:       dataType,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		TotalProcessed: totalProcessed,
		File:           file,
	}
}

// IsFileComplete reports whether a raw message body is the file-complete
// sentinel rather than a record.
func IsFileComplete(body []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Type == FileCompleteType
}
