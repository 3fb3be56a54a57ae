package media

import (
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"knowledge-engine/models"
)

// PDFDocument is an open PDF file read with ledongthuc/pdf
type PDFDocument struct {
	file   *os.File
	reader *pdf.Reader
}

// OpenPDF opens path for page-level inspection. A missing file is reported
// as models.ErrNotFound.
func OpenPDF(path string) (*PDFDocument, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("pdf %s: %w", path, models.ErrNotFound)
	}
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %v: %w", err, models.ErrExtractionFailure)
	}
	return &PDFDocument{file: f, reader: r}, nil
}

func (d *PDFDocument) NumPages() int {
	return d.reader.NumPage()
}

// PageText returns the plain text of page n (1-based)
func (d *PDFDocument) PageText(n int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: malformed content stream: %v", n, r)
		}
	}()

	page := d.reader.Page(n)
	if page.V.IsNull() {
		return "", fmt.Errorf("page %d does not exist", n)
	}
	fonts := make(map[string]*pdf.Font)
	text, err = page.GetPlainText(fonts)
	if err != nil {
		return "", fmt.Errorf("page %d: %v", n, err)
	}
	return strings.TrimSpace(text), nil
}

// PageHasImages reports whether page n draws an image or form XObject.
// Form XObjects carry vector drawings such as charts exported from
// presentation tools.
func (d *PDFDocument) PageHasImages(n int) (found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: malformed resources: %v", n, r)
		}
	}()

	page := d.reader.Page(n)
	if page.V.IsNull() {
		return false, fmt.Errorf("page %d does not exist", n)
	}
	return hasImageXObject(page.Resources(), 0), nil
}

func hasImageXObject(resources pdf.Value, depth int) bool {
	if depth > 4 || resources.IsNull() {
		return false
	}
	xobjects := resources.Key("XObject")
	for _, name := range xobjects.Keys() {
		obj := xobjects.Key(name)
		switch obj.Key("Subtype").Name() {
		case "Image":
			return true
		case "Form":
			// forms only count when they draw something beyond text
			if hasImageXObject(obj.Key("Resources"), depth+1) || obj.Key("Resources").Key("Font").IsNull() {
				return true
			}
		}
	}
	return false
}

// FullText concatenates the text of every page, skipping unreadable pages
func (d *PDFDocument) FullText() string {
	var sb strings.Builder
	for i := 1; i <= d.NumPages(); i++ {
		text, err := d.PageText(i)
		if err != nil || text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}
	return sb.String()
}

func (d *PDFDocument) Close() error {
	return d.file.Close()
}
