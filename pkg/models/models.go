package models

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	errs "snaprescue/pkg/errors"
)

// MediaKind is the declared kind of an exported memory.
type MediaKind string

const (
	KindImage        MediaKind = "image"
	KindVideo        MediaKind = "video"
	KindLayeredImage MediaKind = "layered-image"
	KindLayeredVideo MediaKind = "layered-video"
)

// Layered reports whether the item carries an overlay that must be
// composited onto the base asset.
func (k MediaKind) Layered() bool {
	return k == KindLayeredImage || k == KindLayeredVideo
}

// Video reports whether the base asset is a video.
func (k MediaKind) Video() bool {
	return k == KindVideo || k == KindLayeredVideo
}

// WorkItem is one exported memory to be fetched and processed. The list
// of work items is produced by the external HTML-export parser; this is
// the interface contract with it.
type WorkItem struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	OverlayURL string    `json:"overlay_url,omitempty"`
	UsePost    bool      `json:"use_post,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	Kind       MediaKind `json:"kind"`
}

// HasLocation reports whether the item carries a GPS coordinate.
func (w WorkItem) HasLocation() bool {
	return w.Latitude != nil && w.Longitude != nil
}

// Stem returns the output filename stem: a capture-time prefix followed
// by the item ID, so lexical order equals chronological order and
// same-second items never collide.
func (w WorkItem) Stem() string {
	if w.Timestamp.IsZero() {
		return w.ID
	}
	return w.Timestamp.UTC().Format("20060102_150405") + "_" + w.ID
}

// workItemJSON mirrors WorkItem with a free-form timestamp so lists
// written with the export's own date format still load.
type workItemJSON struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	OverlayURL string    `json:"overlay_url,omitempty"`
	UsePost    bool      `json:"use_post,omitempty"`
	Timestamp  string    `json:"timestamp"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	Kind       MediaKind `json:"kind"`
}

// UnmarshalJSON accepts RFC 3339 timestamps as well as the export's
// "2006-01-02 15:04:05 UTC" table format.
func (w *WorkItem) UnmarshalJSON(data []byte) error {
	var raw workItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ts, err := ParseDate(raw.Timestamp)
	if err != nil {
		return fmt.Errorf("item %s: %w", raw.ID, err)
	}

	w.ID = raw.ID
	w.URL = raw.URL
	w.OverlayURL = raw.OverlayURL
	w.UsePost = raw.UsePost
	w.Timestamp = ts
	w.Latitude = raw.Latitude
	w.Longitude = raw.Longitude
	w.Kind = raw.Kind

	if w.ID == "" {
		w.ID = IDFromURL(w.URL)
	}
	if w.Kind == "" {
		w.Kind = KindImage
	}
	return nil
}

// dateFormats are the timestamp layouts the export has been seen to use.
var dateFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006",
}

// ParseDate parses a declared capture timestamp. An empty string yields
// the zero time without error.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "UTC"))
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// IDFromURL derives a stable identifier from a memory link: the mid
// query parameter when present, otherwise a hash of the whole URL.
func IDFromURL(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if mid := u.Query().Get("mid"); mid != "" {
			return mid
		}
	}
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// LoadItems reads the parsed work item list produced by the export
// parser. A missing or unreadable file is a fatal error: without the
// list there is nothing to recover.
func LoadItems(path string) ([]WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeFatal, "cannot read work item list %s: %v", path, err)
	}

	var items []WorkItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errs.New(errs.ErrorTypeFatal, "cannot parse work item list %s: %v", path, err)
	}

	seen := make(map[string]bool, len(items))
	for i := range items {
		if items[i].URL == "" {
			return nil, errs.New(errs.ErrorTypeFatal, "work item %d has no url", i)
		}
		if seen[items[i].ID] {
			return nil, errs.New(errs.ErrorTypeFatal, "duplicate work item id %s", items[i].ID)
		}
		seen[items[i].ID] = true
	}
	return items, nil
}
