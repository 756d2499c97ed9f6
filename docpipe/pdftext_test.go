package docpipe

import (
	"bytes"
	"compress/zlib"
	"strings"
	"testing"
	"time"
)

func TestTextFromContentStream(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   string
	}{
		{"tj", "BT /F1 12 Tf 72 720 Td (Hello World) Tj ET", "Hello World"},
		{"nested and escaped", `BT (a \(b\) c\\d \101) Tj ET`, `a (b) c\d A`},
		{"hex", "BT <48656C6C6F> Tj ET", "Hello"},
		{"utf16 hex", "BT <FEFF00E900E8> Tj ET", "éè"},
		{"tj array kerning", "BT [(Hel) -20 (lo) -400 (World)] TJ ET", "Hello World"},
		{"td newline", "BT (line one) Tj 0 -14 Td (line two) Tj ET", "line one\nline two"},
		{"td same line", "BT (left) Tj 120 0 Td (right) Tj ET", "left right"},
		{"quote operator", "BT (first) Tj (second) ' ET", "first\nsecond"},
		{"tstar", "BT (a) Tj T* (b) Tj ET", "a\nb"},
		{"two blocks", "BT (one) Tj ET BT (two) Tj ET", "one\ntwo"},
		{"comment", "% a comment (not text) Tj\nBT (real) Tj ET", "real"},
		{"inline image", "BI /W 1 /H 1 ID \x00(junk) Tj\x01 EI BT (after) Tj ET", "after"},
		{"dict operand", "/P << /MCID 0 >> BDC BT (marked) Tj ET EMC", "marked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := textFromContentStream([]byte(tt.stream)); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCleanText(t *testing.T) {
	got := cleanText("  a \t  b  \n\n\n\n c\n")
	if got != "a b\n\nc" {
		t.Fatalf("got %q", got)
	}
}

func TestRawTextBlob(t *testing.T) {
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	zw.Write([]byte("BT (compressed text) Tj ET"))
	zw.Close()

	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n1 0 obj << >>\nstream\r\nBT (plain text) Tj ET\nendstream\nendobj\n")
	b.WriteString("2 0 obj << /Filter /FlateDecode >>\nstream\n")
	b.Write(z.Bytes())
	b.WriteString("\nendstream\nendobj\n")
	b.WriteString("3 0 obj << >>\nstream\nq 1 0 0 1 0 0 cm Q\nendstream\nendobj\n")

	got := rawTextBlob(b.Bytes())
	if got != "plain text\n\ncompressed text" {
		t.Fatalf("got %q", got)
	}
}

func TestRawPageCount(t *testing.T) {
	buf := []byte("<< /Type /Pages /Count 2 >> << /Type /Page >> << /Type/Page/Parent 1 0 R >>")
	if n := rawPageCount(buf); n != 2 {
		t.Fatalf("pages = %d", n)
	}
}

func TestRawInfo(t *testing.T) {
	buf := []byte(`<< /Title (Budget \(draft\)) /Author (J. Doe) /CreationDate (D:20240315093000+01'00') >>`)
	title, author, created := rawInfo(buf)
	if title != "Budget (draft)" || author != "J. Doe" {
		t.Fatalf("title %q author %q", title, author)
	}
	if created == nil || !created.Equal(time.Date(2024, 3, 15, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("created = %v", created)
	}
}

func TestParsePDFDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"D:20230405060708Z", time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC), true},
		{"D:20230405", time.Date(2023, 4, 5, 0, 0, 0, 0, time.UTC), true},
		{"D:2023", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"202304051230", time.Date(2023, 4, 5, 12, 30, 0, 0, time.UTC), true},
		{"D:20230405060708-05'00'", time.Date(2023, 4, 5, 11, 7, 8, 0, time.UTC), true},
		{"D:20230405060708+0530", time.Date(2023, 4, 5, 0, 37, 8, 0, time.UTC), true},
		{"D:20231345", time.Time{}, false},
		{"D:99", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParsePDFDate(tt.in)
		if ok != tt.ok {
			t.Errorf("ParsePDFDate(%q) ok = %v", tt.in, ok)
			continue
		}
		if ok && !got.Equal(tt.want) {
			t.Errorf("ParsePDFDate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPDFBytesToText(t *testing.T) {
	if got := pdfBytesToText([]byte{'c', 'a', 'f', 0xE9}); got != "café" {
		t.Fatalf("latin-1 = %q", got)
	}
	if got := pdfBytesToText([]byte{0xFE, 0xFF, 0x00, 'O', 0x00, 'K'}); !strings.EqualFold(got, "ok") {
		t.Fatalf("utf16 = %q", got)
	}
}
