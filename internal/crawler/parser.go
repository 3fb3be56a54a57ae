package crawler

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxPageTextChars = 50000
	maxHeadings      = 4
)

// Page is the extracted content of one crawled HTML page
type Page struct {
	URL        string
	Title      string
	Text       string
	Headings   []string
	Images     []Image
	Links      []string
	Depth      int
	StatusCode int
}

// Image is an image referenced by a page, resolved to an absolute URL
type Image struct {
	URL   string
	Alt   string
	Title string
}

// ExtractPage pulls title, main text, heading breadcrumb, images and links
// out of a parsed document. base resolves relative references.
func ExtractPage(doc *goquery.Selection, base *url.URL) Page {
	page := Page{URL: base.String()}

	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if page.Title == "" {
		page.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if page.Title == "" {
		page.Title = "Untitled"
	}

	// Images and links come from the full page, before chrome is stripped
	page.Images = extractImages(doc, base)
	page.Links = extractLinks(doc, base)

	cleaned := doc.Clone()
	cleaned.Find(chromeSelectors).Remove()

	page.Headings = extractHeadings(cleaned)
	page.Text = extractMainContentFromSelection(cleaned)
	if r := []rune(page.Text); len(r) > maxPageTextChars {
		page.Text = string(r[:maxPageTextChars])
	}
	return page
}

const chromeSelectors = "script, style, noscript, template, nav, footer, header, aside, .nav, .navbar, .menu, .footer, .header, .sidebar, .advertisement, .ads, .skip-link, [role='navigation']"

// extractHeadings returns the first unique h1/h2 texts in document order
func extractHeadings(doc *goquery.Selection) []string {
	var headings []string
	seen := make(map[string]bool)
	doc.Find("h1, h2").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text != "" && !seen[text] {
			seen[text] = true
			headings = append(headings, text)
		}
		return len(headings) < maxHeadings
	})
	return headings
}

// extractMainContentFromSelection extracts main content from a goquery Selection
// that already had its chrome removed
func extractMainContentFromSelection(doc *goquery.Selection) string {
	// Try semantic HTML5 elements first
	contentSelectors := []string{
		"main",
		"article",
		"[role='main']",
		".main-content",
		".content",
		"#content",
		"body",
	}

	var content strings.Builder
	for _, selector := range contentSelectors {
		found := false
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			text := strings.TrimSpace(s.Text())
			if len(text) > 100 {
				content.WriteString(text)
				content.WriteString("\n\n")
				found = true
			}
		})
		if found {
			break
		}
	}

	text := strings.TrimSpace(content.String())
	if text == "" {
		text = strings.TrimSpace(doc.Find("body").Text())
	}
	if text == "" {
		text = strings.TrimSpace(doc.Text())
	}

	// Clean up excessive whitespace
	lines := strings.Split(text, "\n")
	cleanedLines := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			cleanedLines = append(cleanedLines, line)
		}
	}

	return strings.Join(cleanedLines, "\n")
}

func extractImages(doc *goquery.Selection, base *url.URL) []Image {
	var images []Image
	seen := make(map[string]bool)
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" {
			src = strings.TrimSpace(s.AttrOr("data-src", ""))
		}
		if src == "" || strings.HasPrefix(strings.ToLower(src), "data:") {
			return
		}
		abs, ok := resolve(base, src)
		if !ok || seen[abs] {
			return
		}
		seen[abs] = true
		images = append(images, Image{
			URL:   abs,
			Alt:   strings.TrimSpace(s.AttrOr("alt", "")),
			Title: strings.TrimSpace(s.AttrOr("title", "")),
		})
	})
	return images
}

// extractLinks returns absolute http(s) links without fragment or query.
// The crawler decides which of them are in scope.
func extractLinks(doc *goquery.Selection, base *url.URL) []string {
	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		lower := strings.ToLower(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "tel:") {
			return
		}
		abs, ok := resolve(base, href)
		if !ok {
			return
		}
		u, err := url.Parse(abs)
		if err != nil {
			return
		}
		u.RawQuery = ""
		u.Fragment = ""
		link, err := normalizeURL(u.String())
		if err != nil || seen[link] {
			return
		}
		seen[link] = true
		links = append(links, link)
	})
	return links
}

func resolve(base *url.URL, ref string) (string, bool) {
	u, err := base.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}
