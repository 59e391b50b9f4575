package feed

import (
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"breachscope/internal/model"
)

// ResolveImageURL picks the article image: enclosure, then the item's own
// image field, then the first <img> in the body or description.
func ResolveImageURL(c model.CandidateItem) string {
	if c.EnclosureURL != "" {
		return c.EnclosureURL
	}
	if c.ImageURL != "" {
		return c.ImageURL
	}
	for _, fragment := range []string{c.Body, c.Description} {
		if src := firstImageSrc(fragment, c.Link); src != "" {
			return src
		}
	}
	return ""
}

// enclosureImage returns the first enclosure that is an image
func enclosureImage(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(enc.Type), "image/") || (enc.Type == "" && looksLikeImage(enc.URL)) {
			return enc.URL
		}
	}
	return ""
}

// inlineImage reads the item image and the media RSS thumbnail/content
func inlineImage(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	media, ok := item.Extensions["media"]
	if !ok {
		return ""
	}
	for _, name := range []string{"thumbnail", "content"} {
		for _, ext := range media[name] {
			u := ext.Attrs["url"]
			if u == "" {
				continue
			}
			if name == "content" && ext.Attrs["medium"] != "image" && !looksLikeImage(u) {
				continue
			}
			return u
		}
	}
	return ""
}

func looksLikeImage(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg"} {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// firstImageSrc walks an HTML fragment and returns the src of its first
// <img>, resolved against base.
func firstImageSrc(fragment, base string) string {
	if !strings.Contains(strings.ToLower(fragment), "<img") {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return ""
	}

	var src string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if src != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "img" {
			for _, attr := range n.Attr {
				if attr.Key == "src" && strings.TrimSpace(attr.Val) != "" {
					src = strings.TrimSpace(attr.Val)
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if src == "" || strings.HasPrefix(src, "data:") {
		return ""
	}
	return resolveURL(base, src)
}

func resolveURL(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if r.IsAbs() {
		return r.String()
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ref
	}
	return b.ResolveReference(r).String()
}
