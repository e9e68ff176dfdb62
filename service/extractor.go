package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

// TextExtractor turns a stored upload into plain contract text.
type TextExtractor interface {
	Extract(ctx context.Context, file *model.File) (string, error)
}

// ErrOCRUnavailable is returned for scanned formats when MinerU is not configured.
var ErrOCRUnavailable = errors.New("OCR service is not configured")

// SupportedFileTypes lists the upload extensions the extractor understands.
var SupportedFileTypes = []string{"pdf", "docx", "jpg", "jpeg", "png", "html", "htm", "txt", "md"}

// IsSupportedFileType reports whether ext (without dot, lower case) can be extracted.
func IsSupportedFileType(ext string) bool {
	for _, t := range SupportedFileTypes {
		if t == ext {
			return true
		}
	}
	return false
}

const htmlBlockSelector = "p, h1, h2, h3, h4, h5, h6, li, tr, pre, blockquote"

// DocumentExtractor reads uploads from the object store. Word, HTML and
// text files are parsed locally; PDFs and images go through MinerU.
type DocumentExtractor struct {
	store  ObjectStore
	mineru *MineruService
}

var _ TextExtractor = (*DocumentExtractor)(nil)

// NewDocumentExtractor accepts a nil or disabled MinerU client.
func NewDocumentExtractor(store ObjectStore, mineru *MineruService) *DocumentExtractor {
	return &DocumentExtractor{store: store, mineru: mineru}
}

func (e *DocumentExtractor) Extract(ctx context.Context, file *model.File) (string, error) {
	switch file.FileType {
	case "pdf", "jpg", "jpeg", "png":
		return e.extractWithOCR(ctx, file)
	case "docx":
		data, err := e.read(ctx, file.ObjectKey)
		if err != nil {
			return "", err
		}
		return ExtractDocxText(data)
	case "html", "htm":
		data, err := e.read(ctx, file.ObjectKey)
		if err != nil {
			return "", err
		}
		return ExtractHTMLText(bytes.NewReader(data))
	case "txt", "md":
		data, err := e.read(ctx, file.ObjectKey)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", invalidInputf("unsupported file type %q", file.FileType)
	}
}

func (e *DocumentExtractor) read(ctx context.Context, key string) ([]byte, error) {
	rc, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (e *DocumentExtractor) extractWithOCR(ctx context.Context, file *model.File) (string, error) {
	if !e.mineru.Enabled() {
		return "", ErrOCRUnavailable
	}
	url, err := e.store.PresignedURL(ctx, file.ObjectKey)
	if err != nil {
		return "", fmt.Errorf("failed to share file with OCR service: %w", err)
	}
	slog.Info("sending document to MinerU", "task_id", file.TaskID, "file_type", file.FileType)
	text, err := e.mineru.ExtractText(ctx, url, file.TaskID)
	if err != nil {
		return "", upstream("OCR extraction failed", err)
	}
	return strings.TrimSpace(text), nil
}

// ExtractDocxText collects the text runs of each paragraph in
// word/document.xml. Paragraphs are separated by blank lines.
func ExtractDocxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", invalidInputf("not a valid docx file: %v", err)
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", invalidInputf("docx has no word/document.xml")
	}

	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open document.xml: %w", err)
	}
	defer rc.Close()

	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(current.String()); s != "" {
					paragraphs = append(paragraphs, s)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		paragraphs = append(paragraphs, s)
	}
	return strings.Join(paragraphs, "\n\n"), nil
}

// ExtractHTMLText returns the text of top-level block elements, one per
// paragraph, falling back to the whole body text.
func ExtractHTMLText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style, noscript, head").Remove()

	var blocks []string
	doc.Find(htmlBlockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(htmlBlockSelector).Length() > 0 {
			return
		}
		if text := collapseSpaces(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		return collapseSpaces(doc.Find("body").Text()), nil
	}
	return strings.Join(blocks, "\n\n"), nil
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
