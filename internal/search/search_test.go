package search

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dgallion1/dococr/internal/document"
	"github.com/dgallion1/dococr/internal/store"
)

func seed(t *testing.T, st store.Store, title string, pages ...string) *document.Document {
	t.Helper()
	ctx := context.Background()
	d, err := st.Create(ctx, document.Metadata{Hash: "hash-" + title, Title: title, Filename: title + ".png"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetPageCount(ctx, d.ID, len(pages)); err != nil {
		t.Fatal(err)
	}
	for i, text := range pages {
		if d, err = st.UpdatePage(ctx, d.ID, i+1, document.Succeeded(text, 80+float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	return d
}

func TestSearch_EmptyQuery(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "a", "anything at all")
	e := NewEngine(st)

	for _, q := range []string{"", "   "} {
		resp, err := e.Search(context.Background(), Request{Query: q})
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Results) != 0 || resp.Total != 0 {
			t.Errorf("query %q: expected no results, got %+v", q, resp.Results)
		}
	}
	if e.Searches() != 0 {
		t.Errorf("expected empty queries to not be counted, got %d", e.Searches())
	}
}

func TestSearch_FindsMatchingPages(t *testing.T) {
	st := store.NewMemory()
	d := seed(t, st, "fox", "nothing here", "the quick Brown fox jumps", "another brown dog")
	seed(t, st, "other", "no match")
	e := NewEngine(st)

	resp, err := e.Search(context.Background(), Request{Query: "brown"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || resp.Results[0].ID != d.ID {
		t.Fatalf("expected only %s, got %+v", d.ID, resp.Results)
	}
	r := resp.Results[0]
	if r.TotalPages != 3 || len(r.Pages) != 2 {
		t.Fatalf("expected 2 of 3 pages to match, got %+v", r)
	}
	if r.Pages[0].PageNumber != 2 || r.Pages[1].PageNumber != 3 {
		t.Errorf("expected pages in ascending order, got %d, %d", r.Pages[0].PageNumber, r.Pages[1].PageNumber)
	}
	hit := r.Pages[0]
	if hit.Snippet != "the quick Brown fox jumps" || hit.MatchIndex != 10 || hit.Confidence != 81 {
		t.Errorf("unexpected hit %+v", hit)
	}
	if len(hit.Highlights) != 1 || hit.Highlights[0] != (Span{10, 15}) {
		t.Errorf("unexpected highlights %+v", hit.Highlights)
	}
	if e.Searches() != 1 {
		t.Errorf("expected 1 counted search, got %d", e.Searches())
	}
}

func TestSearch_KeepsSurroundingSpaces(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "browser", "download firefox today")
	red := seed(t, st, "animals", "a red fox ran")
	e := NewEngine(st)

	resp, err := e.Search(context.Background(), Request{Query: " fox"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != red.ID {
		t.Fatalf("expected only %s, got %+v", red.ID, resp.Results)
	}
	if hit := resp.Results[0].Pages[0]; hit.MatchIndex != 5 || hit.Highlights[0] != (Span{5, 9}) {
		t.Errorf("expected the match to include the leading space, got %+v", hit)
	}
	if resp.Query != " fox" {
		t.Errorf("expected query echoed unchanged, got %q", resp.Query)
	}
}

func TestSearch_TitleOnlyDoesNotMatch(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "invoice", "totally unrelated text")
	resp, _ := NewEngine(st).Search(context.Background(), Request{Query: "invoice"})
	if resp.Total != 0 {
		t.Errorf("expected page text only matching, got %+v", resp.Results)
	}
}

func TestSearch_OrderAndPagination(t *testing.T) {
	st := store.NewMemory()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, seed(t, st, fmt.Sprintf("doc%d", i), "shared term").ID)
	}
	// Touch the oldest so it becomes the most recent.
	if _, err := st.UpdatePage(context.Background(), ids[0], 1, document.Succeeded("shared term again", 90)); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(st)

	resp, _ := e.Search(context.Background(), Request{Query: "shared", Page: 1, Limit: 2})
	if len(resp.Results) != 2 || resp.Results[0].ID != ids[0] || resp.Results[1].ID != ids[4] {
		t.Errorf("unexpected first page %+v", resp.Results)
	}
	resp, _ = e.Search(context.Background(), Request{Query: "shared", Page: 3, Limit: 2})
	if len(resp.Results) != 1 || resp.Results[0].ID != ids[1] {
		t.Errorf("unexpected last page %+v", resp.Results)
	}
}

func TestSearch_HugePageIsEmpty(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "fox", "the quick brown fox")
	e := NewEngine(st)

	resp, err := e.Search(context.Background(), Request{Query: "brown", Page: math.MaxInt})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 || resp.Total != 0 || resp.Page != math.MaxInt {
		t.Errorf("expected an empty page %d, got page %d with %+v", math.MaxInt, resp.Page, resp.Results)
	}
}

func TestSearch_Clamping(t *testing.T) {
	e := NewEngine(store.NewMemory())
	tests := []struct {
		page, limit         int
		wantPage, wantLimit int
	}{
		{0, 0, 1, 10},
		{-3, 50, 1, 50},
		{2, 1000, 2, 50},
		{1, -5, 1, 1},
	}
	for _, tt := range tests {
		resp, err := e.Search(context.Background(), Request{Query: "x", Page: tt.page, Limit: tt.limit})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Page != tt.wantPage || resp.Limit != tt.wantLimit {
			t.Errorf("page=%d limit=%d: expected %d/%d, got %d/%d",
				tt.page, tt.limit, tt.wantPage, tt.wantLimit, resp.Page, resp.Limit)
		}
	}
}

func TestMakeSnippet_ClipsWithEllipsis(t *testing.T) {
	text := strings.Repeat("a", 100) + "the quick brown fox" + strings.Repeat("b", 400)
	s, ok := MakeSnippet(text, "BROWN")
	if !ok {
		t.Fatal("expected a match")
	}
	if !strings.HasPrefix(s.Text, Ellipsis) || !strings.HasSuffix(s.Text, Ellipsis) {
		t.Errorf("expected ellipsis on both ends, got %q", s.Text)
	}
	if !strings.Contains(s.Text, "brown") {
		t.Errorf("expected snippet to contain the match, got %q", s.Text)
	}
	if n := utf8.RuneCountInString(s.Text); n != 3+SnippetBefore+SnippetAfter+3 {
		t.Errorf("expected %d runes, got %d", 3+SnippetBefore+SnippetAfter+3, n)
	}
	if s.MatchIndex != 110 {
		t.Errorf("expected match at 110, got %d", s.MatchIndex)
	}
	h := s.Highlights[0]
	if got := string([]rune(s.Text)[h.Start:h.End]); got != "brown" {
		t.Errorf("expected highlight on brown, got %q", got)
	}
	if h.Start != 3+SnippetBefore {
		t.Errorf("expected match 60 runes after the ellipsis, got %d", h.Start)
	}
}

func TestMakeSnippet_LongQueryBounded(t *testing.T) {
	query := strings.Repeat("q", 300)
	text := strings.Repeat("a", 100) + query + strings.Repeat("b", 400)
	s, ok := MakeSnippet(text, query)
	if !ok {
		t.Fatal("expected a match")
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s.Text, Ellipsis), Ellipsis)
	if want := strings.Repeat("a", SnippetBefore) + query; body != want {
		t.Errorf("expected the match with %d leading runes only, got %d runes", SnippetBefore, utf8.RuneCountInString(body))
	}
	if len(s.Highlights) != 1 || s.Highlights[0] != (Span{3 + SnippetBefore, 3 + SnippetBefore + 300}) {
		t.Errorf("unexpected highlights %+v", s.Highlights)
	}
}

func TestMakeSnippet_ShortTextNotClipped(t *testing.T) {
	s, ok := MakeSnippet("fox and FOX and fox", "fox")
	if !ok {
		t.Fatal("expected a match")
	}
	if s.Text != "fox and FOX and fox" {
		t.Errorf("unexpected snippet %q", s.Text)
	}
	if len(s.Highlights) != 3 || s.Highlights[1] != (Span{8, 11}) {
		t.Errorf("unexpected highlights %+v", s.Highlights)
	}
}

func TestMakeSnippet_NoMatch(t *testing.T) {
	if _, ok := MakeSnippet("hello", "world"); ok {
		t.Error("expected no match")
	}
	if _, ok := MakeSnippet("hello", ""); ok {
		t.Error("expected empty query to never match")
	}
}

func TestMakeSnippet_InvalidUTF8AndMultibyte(t *testing.T) {
	text := "caf\xff\xfeé Ünïcode straße"
	s, ok := MakeSnippet(text, "STRASSE")
	if ok {
		t.Errorf("expected no fold expansion match, got %+v", s)
	}
	s, ok = MakeSnippet(text, "ünïcode")
	if !ok {
		t.Fatal("expected a case-insensitive multibyte match")
	}
	if !utf8.ValidString(s.Text) {
		t.Errorf("expected valid UTF-8 snippet, got %q", s.Text)
	}
	h := s.Highlights[0]
	if got := string([]rune(s.Text)[h.Start:h.End]); got != "Ünïcode" {
		t.Errorf("expected highlight on Ünïcode, got %q", got)
	}
}
