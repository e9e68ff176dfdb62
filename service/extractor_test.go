package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

const docxBody = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>甲方：A公司</w:t></w:r></w:p>
<w:p><w:r><w:t>乙方：</w:t></w:r><w:r><w:t>B公司</w:t></w:r></w:p>
<w:p></w:p>
<w:p><w:r><w:t>第一条</w:t><w:tab/><w:t>付款</w:t></w:r></w:p>
</w:body>
</w:document>`

func TestExtractDocxText(t *testing.T) {
	data := buildZip(t, map[string]string{"word/document.xml": docxBody})

	got, err := ExtractDocxText(data)
	if err != nil {
		t.Fatalf("ExtractDocxText failed: %v", err)
	}
	want := "甲方：A公司\n\n乙方：B公司\n\n第一条\t付款"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestExtractDocxTextErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not a zip", []byte("plain text")},
		{"missing document", buildZip(t, map[string]string{"word/styles.xml": "<x/>"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ExtractDocxText(tt.data); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestExtractHTMLText(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "block elements",
			html: `<html><head><title>x</title><style>p{}</style></head><body>
				<h1>采购合同</h1><p>甲方：A公司</p>
				<ul><li><p>第一条   付款</p></li></ul>
				<script>alert(1)</script></body></html>`,
			want: "采购合同\n\n甲方：A公司\n\n第一条 付款",
		},
		{
			name: "bare body",
			html: `<body>仅有  正文</body>`,
			want: "仅有 正文",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractHTMLText(strings.NewReader(tt.html))
			if err != nil {
				t.Fatalf("ExtractHTMLText failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDocumentExtractorByType(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalObjectStore failed: %v", err)
	}
	ctx := context.Background()
	put := func(key string, data []byte) {
		if err := store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), ""); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	put("t/a.txt", []byte("  合同正文  \n"))
	put("t/a.docx", buildZip(t, map[string]string{"word/document.xml": docxBody}))
	put("t/a.html", []byte("<p>网页合同</p>"))

	e := NewDocumentExtractor(store, nil)
	tests := []struct {
		file *model.File
		want string
	}{
		{&model.File{ObjectKey: "t/a.txt", FileType: "txt"}, "合同正文"},
		{&model.File{ObjectKey: "t/a.docx", FileType: "docx"}, "甲方：A公司"},
		{&model.File{ObjectKey: "t/a.html", FileType: "html"}, "网页合同"},
	}
	for _, tt := range tests {
		t.Run(tt.file.FileType, func(t *testing.T) {
			got, err := e.Extract(ctx, tt.file)
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("Expected text starting with %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDocumentExtractorErrors(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalObjectStore failed: %v", err)
	}
	e := NewDocumentExtractor(store, nil)
	ctx := context.Background()

	if _, err := e.Extract(ctx, &model.File{ObjectKey: "t/a.pdf", FileType: "pdf"}); !errors.Is(err, ErrOCRUnavailable) {
		t.Errorf("Expected ErrOCRUnavailable, got %v", err)
	}
	if _, err := e.Extract(ctx, &model.File{ObjectKey: "t/a.exe", FileType: "exe"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if _, err := e.Extract(ctx, &model.File{ObjectKey: "t/missing.txt", FileType: "txt"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestIsSupportedFileType(t *testing.T) {
	for _, ext := range []string{"pdf", "docx", "png", "md"} {
		if !IsSupportedFileType(ext) {
			t.Errorf("Expected %s to be supported", ext)
		}
	}
	for _, ext := range []string{"", "doc", "exe", "PDF"} {
		if IsSupportedFileType(ext) {
			t.Errorf("Expected %q to be rejected", ext)
		}
	}
}
