package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"strings"
	"time"
)

// State is the processing state of a WorkItem.
type State string

// Item states. There is no discarded state: a failing stage degrades the
// item's completeness and keeps it in the result.
const (
	StateHarvested         State = "harvested"
	StateEnriched          State = "enriched"
	StateEnrichmentFailed  State = "enrichment_failed"
	StateResolved          State = "resolved"
	StateResolutionPartial State = "resolution_partial"
)

// Resolution is the outcome of following one offer link.
type Resolution string

// Offer link resolution outcomes. Direct means the link was followed and
// already was the final destination.
const (
	ResolutionPending    Resolution = "pending"
	ResolutionResolved   Resolution = "resolved"
	ResolutionDirect     Resolution = "direct"
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionSkipped    Resolution = "skipped"
)

// Offer is one merchant price attached to an item.
type Offer struct {
	Merchant string `json:"merchant"`
	// Price is kept as the decimal string shown by the site.
	Price    string `json:"price"`
	Currency string `json:"currency,omitempty"`
	// Link is the pre-resolution offer link as harvested.
	Link         string     `json:"link,omitempty"`
	ResolvedLink string     `json:"resolved_link,omitempty"`
	Resolution   Resolution `json:"resolution"`
}

// FinalLink returns the resolved link, falling back to the harvested one.
func (o Offer) FinalLink() string {
	if o.ResolvedLink != "" {
		return o.ResolvedLink
	}
	return o.Link
}

// WorkItem is one product moving through the pipeline. Exactly one worker
// owns an item at a time.
type WorkItem struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Category    string            `json:"category,omitempty"`
	Brand       string            `json:"brand,omitempty"`
	ImageURL    string            `json:"image_url,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Offers      []Offer           `json:"offers,omitempty"`
	HarvestedAt time.Time         `json:"harvested_at"`
	Page        int               `json:"page"`
	State       State             `json:"state"`
	Err         string            `json:"error,omitempty"`
}

// Fingerprint derives a stable item id from its source, URL and name.
func Fingerprint(source, url, name string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{source, url, strings.TrimSpace(name)}, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of the item.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	c := *w
	c.Attributes = maps.Clone(w.Attributes)
	c.Offers = append([]Offer(nil), w.Offers...)
	return &c
}

// absorbPartial copies fields a failed enrichment managed to fill in without
// overwriting anything the harvest already set.
func (w *WorkItem) absorbPartial(p *WorkItem) {
	if p == nil {
		return
	}
	if w.Category == "" {
		w.Category = p.Category
	}
	if w.Brand == "" {
		w.Brand = p.Brand
	}
	if w.ImageURL == "" {
		w.ImageURL = p.ImageURL
	}
	for k, v := range p.Attributes {
		if _, ok := w.Attributes[k]; ok {
			continue
		}
		if w.Attributes == nil {
			w.Attributes = make(map[string]string)
		}
		w.Attributes[k] = v
	}
	if len(w.Offers) == 0 && len(p.Offers) > 0 {
		w.Offers = append([]Offer(nil), p.Offers...)
	}
}

// adopt takes over the result of a successful enrichment while keeping the
// identity fields assigned at harvest. A sparse result never clears the
// harvested name or URL.
func (w *WorkItem) adopt(e *WorkItem) {
	if e == nil || e == w {
		return
	}
	orig := *w
	*w = *e
	w.ID, w.Source, w.Page, w.HarvestedAt = orig.ID, orig.Source, orig.Page, orig.HarvestedAt
	if w.Name == "" {
		w.Name = orig.Name
	}
	if w.URL == "" {
		w.URL = orig.URL
	}
}
