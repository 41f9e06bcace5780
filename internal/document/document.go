package document

import (
	"time"
)

// Status is the lifecycle state of a document.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// PageStatus is the extraction state of a single page.
type PageStatus string

const (
	PagePending    PageStatus = "pending"
	PageProcessing PageStatus = "processing"
	PageDone       PageStatus = "done"
	PageFailed     PageStatus = "failed"
)

// Document is an uploaded file and the text extracted from it.
type Document struct {
	ID       string `json:"id"`
	Hash     string `json:"hash"`
	Title    string `json:"title"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Language string `json:"language"`

	Status Status `json:"status"`
	Pages  []Page `json:"pages"`
	Error  string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Page is one page of a document. It has no identity outside its document.
type Page struct {
	PageNumber int        `json:"pageNumber"`
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Status     PageStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// Metadata is what the upload boundary knows about a new document.
type Metadata struct {
	Hash     string
	Title    string
	Filename string
	Size     int64
	MimeType string
	Language string
}

// PagePatch is a partial update for one page. Nil fields are left unchanged.
type PagePatch struct {
	Status     *PageStatus
	Text       *string
	Confidence *float64
	Error      *string
}

// Apply merges the patch into p.
func (pp PagePatch) Apply(p *Page) {
	if pp.Status != nil {
		p.Status = *pp.Status
	}
	if pp.Text != nil {
		p.Text = *pp.Text
	}
	if pp.Confidence != nil {
		p.Confidence = ClampConfidence(*pp.Confidence)
	}
	if pp.Error != nil {
		p.Error = *pp.Error
	}
}

// Processing returns a patch marking a page as in progress.
func Processing() PagePatch {
	s := PageProcessing
	empty := ""
	return PagePatch{Status: &s, Error: &empty}
}

// Succeeded returns a patch recording a successful extraction.
func Succeeded(text string, confidence float64) PagePatch {
	s := PageDone
	empty := ""
	return PagePatch{Status: &s, Text: &text, Confidence: &confidence, Error: &empty}
}

// Failed returns a patch recording a failed extraction. The text is cleared.
func Failed(reason string) PagePatch {
	s := PageFailed
	empty := ""
	zero := 0.0
	return PagePatch{Status: &s, Text: &empty, Confidence: &zero, Error: &reason}
}

// ClampConfidence limits c to [0,100].
func ClampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 100:
		return 100
	}
	return c
}

// Aggregate derives a document status from its pages.
//
// With no pages the current status is kept, so a freshly created document
// stays queued and a pipeline-level failure stays failed.
func Aggregate(current Status, pages []Page) Status {
	if len(pages) == 0 {
		return current
	}
	allDone := true
	inFlight := false
	for _, p := range pages {
		switch p.Status {
		case PageDone:
		case PageFailed:
			allDone = false
		default:
			allDone = false
			inFlight = true
		}
	}
	switch {
	case allDone:
		return StatusDone
	case inFlight:
		if current == StatusQueued && allPending(pages) {
			return StatusQueued
		}
		return StatusProcessing
	default:
		return StatusFailed
	}
}

func allPending(pages []Page) bool {
	for _, p := range pages {
		if p.Status != PagePending {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to callers.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Pages = make([]Page, len(d.Pages))
	copy(c.Pages, d.Pages)
	return &c
}

// Terminal reports whether the document reached done or failed.
func (d *Document) Terminal() bool {
	return d.Status == StatusDone || d.Status == StatusFailed
}

// Page returns the page with the given number, or nil.
func (d *Document) Page(number int) *Page {
	if number < 1 || number > len(d.Pages) {
		return nil
	}
	return &d.Pages[number-1]
}
