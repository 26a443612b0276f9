package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"analyzer-backend/internal/shared/storage/object"
)

// Text pulls plain text from a stored document. Extraction failures are
// folded into the returned text so the analysis engine can report them in
// its output instead of aborting the job.
func Text(ctx context.Context, store object.Store, fileKey string, fileName string) string {
	body, err := store.Open(ctx, fileKey)
	if err != nil {
		return fmt.Sprintf("error reading document: %v", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Sprintf("error reading document: %v", err)
	}
	return FromBytes(raw, fileName)
}

// FromBytes extracts text from an in-memory payload, choosing a parser by
// file extension.
func FromBytes(data []byte, fileName string) string {
	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		text, err = extractPDF(data)
	case ".docx":
		text, err = extractDOCX(data)
	case ".txt", ".md", ".csv":
		text = string(data)
	default:
		// Unknown extension; try PDF first, fall back to raw text.
		text, err = extractPDF(data)
		if err != nil {
			text, err = string(data), nil
		}
	}
	if err != nil {
		return fmt.Sprintf("error reading document: %v", err)
	}
	if strings.TrimSpace(text) == "" {
		return "error reading document: no extractable text"
	}
	return text
}

func extractPDF(data []byte) (string, error) {
	reader := bytes.NewReader(data)
	pdfReader, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := pdfReader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func extractDOCX(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty docx data")
	}
	readerAt := bytes.NewReader(data)
	zr, err := zip.NewReader(readerAt, int64(len(data)))
	if err != nil {
		return "", err
	}

	var docFile *zip.File
	for _, f := range zr.File {
		name := strings.ReplaceAll(f.Name, "\\", "/")
		if name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", errors.New("document.xml file not found")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}

	return stripDocxXML(string(raw)), nil
}

func stripDocxXML(raw string) string {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	var buf strings.Builder
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return raw
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.WriteString(string(t))
		case xml.EndElement:
			if t.Name.Local == "p" || t.Name.Local == "br" {
				if last := buf.Len(); last > 0 {
					buf.WriteString("\n")
				}
			}
		}
	}
	return strings.TrimSpace(buf.String())
}
