// Package selector is the default harvesting strategy: CSS selectors from
// configuration applied to rendered pages with goquery.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
)

// ListingSelectors locate products on a listing page.
type ListingSelectors struct {
	Item     string `mapstructure:"item"`
	Name     string `mapstructure:"name"`
	Link     string `mapstructure:"link"`
	Price    string `mapstructure:"price"`
	Merchant string `mapstructure:"merchant"`
	// OfferLink is the outbound offer link on the listing card, if any.
	OfferLink string `mapstructure:"offer_link"`
	Image     string `mapstructure:"image"`
	NextPage  string `mapstructure:"next_page"`
}

// DetailSelectors locate product detail and offers on an item page.
type DetailSelectors struct {
	Name          string            `mapstructure:"name"`
	Brand         string            `mapstructure:"brand"`
	Category      string            `mapstructure:"category"`
	Image         string            `mapstructure:"image"`
	Attributes    map[string]string `mapstructure:"attributes"`
	Offer         string            `mapstructure:"offer"`
	OfferMerchant string            `mapstructure:"offer_merchant"`
	OfferPrice    string            `mapstructure:"offer_price"`
	OfferLink     string            `mapstructure:"offer_link"`
}

// Config describes one site.
type Config struct {
	BaseURL string           `mapstructure:"base_url"`
	Listing ListingSelectors `mapstructure:"listing"`
	Detail  DetailSelectors  `mapstructure:"detail"`
	// Denylist holds case-insensitive patterns; listing entries whose name
	// matches are never turned into items.
	Denylist []string `mapstructure:"denylist"`
	// Currency is used when a price carries no recognisable symbol.
	Currency string `mapstructure:"currency"`
	// ClickSettle is how long to wait after clicking a next-page button that
	// has no href.
	ClickSettle time.Duration `mapstructure:"click_settle"`
}

// Strategy implements pipeline.Harvester and pipeline.Enricher.
type Strategy struct {
	cfg    Config
	base   *url.URL
	deny   []*regexp.Regexp
	logger *zap.Logger
}

var (
	_ pipeline.Harvester = (*Strategy)(nil)
	_ pipeline.Enricher  = (*Strategy)(nil)
)

// New validates cfg and compiles the denylist.
func New(cfg Config, logger *zap.Logger) (*Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Listing.Item == "" {
		return nil, fmt.Errorf("listing item selector is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.ClickSettle <= 0 {
		cfg.ClickSettle = time.Second
	}
	deny := make([]*regexp.Regexp, 0, len(cfg.Denylist))
	for _, expr := range cfg.Denylist {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("compile denylist pattern %q: %w", expr, err)
		}
		deny = append(deny, re)
	}
	return &Strategy{cfg: cfg, base: base, deny: deny, logger: logger}, nil
}

// Extract implements pipeline.Harvester.
func (st *Strategy) Extract(content string, page int) ([]*pipeline.WorkItem, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	sel := st.cfg.Listing
	var items []*pipeline.WorkItem
	doc.Find(sel.Item).Each(func(_ int, card *goquery.Selection) {
		name := text(card, sel.Name)
		if name == "" {
			return
		}
		if st.denied(name) {
			st.logger.Debug("skipping denylisted listing entry", zap.String("name", name), zap.Int("page", page))
			return
		}
		item := &pipeline.WorkItem{
			Name:     name,
			URL:      st.absolute(attr(card, sel.Link, "href")),
			ImageURL: st.absolute(imageSrc(card, sel.Image)),
		}
		if sel.Price != "" {
			if price, currency := ParsePrice(text(card, sel.Price), st.cfg.Currency); price != "" {
				item.Offers = append(item.Offers, pipeline.Offer{
					Merchant: text(card, sel.Merchant),
					Price:    price,
					Currency: currency,
					Link:     st.absolute(attr(card, sel.OfferLink, "href")),
				})
			}
		}
		items = append(items, item)
	})
	return items, nil
}

// HasNextPage looks for an enabled next-page control in the current page.
func (st *Strategy) HasNextPage(ctx context.Context, s browser.Session, _ int) (bool, error) {
	if st.cfg.Listing.NextPage == "" {
		return false, nil
	}
	content, err := s.Content(ctx)
	if err != nil {
		return false, fmt.Errorf("read listing: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return false, fmt.Errorf("parse listing html: %w", err)
	}
	next := doc.Find(st.cfg.Listing.NextPage).First()
	if next.Length() == 0 {
		return false, nil
	}
	return !disabled(next), nil
}

// NextPage follows the next-page link, or clicks the control when it has no
// href.
func (st *Strategy) NextPage(ctx context.Context, s browser.Session, page int) error {
	content, err := s.Content(ctx)
	if err != nil {
		return fmt.Errorf("read listing: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("parse listing html: %w", err)
	}
	next := doc.Find(st.cfg.Listing.NextPage).First()
	if href, ok := next.Attr("href"); ok && strings.TrimSpace(href) != "" && !strings.HasPrefix(href, "#") &&
		!strings.HasPrefix(strings.ToLower(href), "javascript:") {
		if err := s.Navigate(ctx, st.absolute(href)); err != nil {
			return fmt.Errorf("open listing page %d: %w", page+1, err)
		}
		return nil
	}

	quoted, err := json.Marshal(st.cfg.Listing.NextPage)
	if err != nil {
		return fmt.Errorf("quote selector: %w", err)
	}
	var clicked bool
	script := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; el.click(); return true; })()`, quoted)
	if err := s.Evaluate(ctx, script, &clicked); err != nil {
		return fmt.Errorf("click next page: %w", err)
	}
	if !clicked {
		return fmt.Errorf("next page control vanished after page %d", page)
	}
	t := time.NewTimer(st.cfg.ClickSettle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enrich opens the item page and fills in detail fields and offers.
func (st *Strategy) Enrich(ctx context.Context, item *pipeline.WorkItem, s browser.Session) (*pipeline.WorkItem, error) {
	if item.URL == "" {
		return item, fmt.Errorf("item %q has no detail url", item.Name)
	}
	if err := s.Navigate(ctx, item.URL); err != nil {
		return item, fmt.Errorf("open item page: %w", err)
	}
	content, err := s.Content(ctx)
	if err != nil {
		return item, fmt.Errorf("read item page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return item, fmt.Errorf("parse item html: %w", err)
	}
	root := doc.Selection
	sel := st.cfg.Detail

	if name := text(root, sel.Name); name != "" && item.Name == "" {
		item.Name = name
	}
	if brand := text(root, sel.Brand); brand != "" {
		item.Brand = brand
	}
	if category := text(root, sel.Category); category != "" {
		item.Category = category
	}
	if img := st.absolute(imageSrc(root, sel.Image)); img != "" {
		item.ImageURL = img
	}
	for key, css := range sel.Attributes {
		if v := text(root, css); v != "" {
			if item.Attributes == nil {
				item.Attributes = make(map[string]string)
			}
			item.Attributes[key] = v
		}
	}

	if sel.Offer == "" {
		return item, nil
	}
	var offers []pipeline.Offer
	root.Find(sel.Offer).Each(func(_ int, row *goquery.Selection) {
		price, currency := ParsePrice(text(row, sel.OfferPrice), st.cfg.Currency)
		if price == "" {
			return
		}
		offers = append(offers, pipeline.Offer{
			Merchant:   text(row, sel.OfferMerchant),
			Price:      price,
			Currency:   currency,
			Link:       st.absolute(attr(row, sel.OfferLink, "href")),
			Resolution: pipeline.ResolutionPending,
		})
	})
	if len(offers) > 0 {
		item.Offers = offers
	}
	return item, nil
}

func (st *Strategy) denied(name string) bool {
	for _, re := range st.deny {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func (st *Strategy) absolute(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if st.base == nil || u.IsAbs() {
		return u.String()
	}
	return st.base.ResolveReference(u).String()
}

// text returns the collapsed text of the first match of css within s. An
// empty selector yields an empty string.
func text(s *goquery.Selection, css string) string {
	if css == "" {
		return ""
	}
	s = s.Find(css).First()
	return strings.Join(strings.Fields(s.Text()), " ")
}

func attr(s *goquery.Selection, css, name string) string {
	if css == "" {
		return ""
	}
	v, _ := s.Find(css).First().Attr(name)
	return v
}

func imageSrc(s *goquery.Selection, css string) string {
	if css == "" {
		return ""
	}
	img := s.Find(css).First()
	for _, name := range []string{"src", "data-src", "data-lazy-src"} {
		if v, ok := img.Attr(name); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func disabled(s *goquery.Selection) bool {
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if v, _ := s.Attr("aria-disabled"); strings.EqualFold(v, "true") {
		return true
	}
	return s.HasClass("disabled")
}
