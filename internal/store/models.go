package store

import (
	"time"

	"github.com/fpetran/cora/internal/annotation"
)

const (
	EntityDocument = "document"
	EntityTagset   = "tagset"

	// SystemOwner holds locks taken by entry points while they populate or
	// tear down a document.
	SystemOwner = "@system"

	// NoPosition marks a document that has never been saved.
	NoPosition = -1

	EntryTag    = "tag"
	EntryAttrib = "attrib"
)

type Project struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

type Document struct {
	ID         int64
	Name       string
	ExternalID string
	TagsetID   string
	ProjectID  int64
	CreatedBy  string
	CreatedAt  time.Time
}

// NewDocument is the normalized structure handed over by the importer.
type NewDocument struct {
	Name       string    `json:"name"`
	ExternalID string    `json:"externalId"`
	TagsetID   string    `json:"tagsetId"`
	ProjectID  int64     `json:"projectId"`
	Lines      []NewLine `json:"lines"`
}

type NewLine struct {
	Token       string                                      `json:"token"`
	Comment     string                                      `json:"comment"`
	Error       bool                                        `json:"error"`
	Suggestions map[annotation.Layer][]annotation.Suggestion `json:"suggestions"`
}

type Suggestion struct {
	ID       int64
	Value    string
	Score    float64
	Source   annotation.Source
	Selected bool
}

type Line struct {
	ID          int64
	DocumentID  int64
	Position    int
	Token       string
	POS         string
	Morph       string
	Lemma       string
	Norm        string
	Comment     string
	Error       bool
	Suggestions map[annotation.Layer][]Suggestion
}

// Value returns the active value stored on the line for a layer.
func (l Line) Value(layer annotation.Layer) string {
	switch layer {
	case annotation.LayerPOS:
		return l.POS
	case annotation.LayerMorph:
		return l.Morph
	case annotation.LayerLemma:
		return l.Lemma
	case annotation.LayerNorm:
		return l.Norm
	}
	return ""
}

func (l *Line) setValue(layer annotation.Layer, value string) {
	switch layer {
	case annotation.LayerPOS:
		l.POS = value
	case annotation.LayerMorph:
		l.Morph = value
	case annotation.LayerLemma:
		l.Lemma = value
	case annotation.LayerNorm:
		l.Norm = value
	}
}

// LineEdit carries the fields an editor changed. Nil fields are left as they
// are; a pointer to "" clears the field. A nil Error removes the error marker.
type LineEdit struct {
	ID      int64   `json:"id"`
	POS     *string `json:"pos,omitempty"`
	Morph   *string `json:"morph,omitempty"`
	Lemma   *string `json:"lemma,omitempty"`
	Norm    *string `json:"norm,omitempty"`
	Comment *string `json:"comment,omitempty"`
	Error   *bool   `json:"error,omitempty"`
}

func (e LineEdit) layer(layer annotation.Layer) *string {
	switch layer {
	case annotation.LayerPOS:
		return e.POS
	case annotation.LayerMorph:
		return e.Morph
	case annotation.LayerLemma:
		return e.Lemma
	case annotation.LayerNorm:
		return e.Norm
	}
	return nil
}

type Lock struct {
	EntityType string
	EntityID   string
	Owner      string
	Since      time.Time
}

type OpenResult struct {
	Document      Document
	LastPosition  int
	ReleasedLocks int
}

type CreateResult struct {
	Document Document
	Lines    int
	Warnings []IntegrityWarning
}

type SaveResult struct {
	Lines           int
	UserSuggestions int
}

type Tagset struct {
	ID             string
	Name           string
	Class          string
	LastModifiedBy string
	LastModifiedAt *time.Time
	Entries        []TagsetEntry
}

// TagsetEntry is a tag or an attribute. Links lists attribute ids for tags;
// Values lists allowed values for attributes.
type TagsetEntry struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Shortname   string   `json:"shortname"`
	Description string   `json:"description"`
	Links       []string `json:"links,omitempty"`
	Values      []string `json:"values,omitempty"`
}

type TagsetDiff struct {
	TagsetID string        `json:"tagsetId"`
	Lang     string        `json:"lang"`
	Created  []TagsetEntry `json:"created"`
	Modified []TagsetEntry `json:"modified"`
	Deleted  []string      `json:"deleted"`
}

type TagsetResult struct {
	Created  int
	Modified int
	Deleted  int
	Warnings []IntegrityWarning
}
