package dmarc

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/firefart/dmarcpipeline/internal/helper"
)

func readGZ(r io.Reader) ([]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not gzip read: %w", err)
	}
	defer gz.Close()

	xmlContent, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("could not read: %w", err)
	}
	return xmlContent, nil
}

func readZIP(content []byte) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("could not open zip: %w", err)
	}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		x, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("could not open file %s inside zip: %w", f.Name, err)
		}
		defer x.Close()
		xmlContent, err := io.ReadAll(x)
		if err != nil {
			return nil, fmt.Errorf("could not read file %s inside zip: %w", f.Name, err)
		}
		// only the first file is used, reports are single file archives
		return xmlContent, nil
	}
	return nil, errors.New("no valid file found within zip archive")
}

// Decode strips the zip or gzip container from r and returns the report XML.
// Only the first bytes are inspected to detect the format so non seekable
// readers are fine. The payload is returned as is, invalid UTF-8 is left
// for the parser to report.
func Decode(r io.Reader) (string, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(helper.SniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", &InvalidArchiveError{Err: err}
	}

	var content []byte
	switch helper.DetectFormat(header) {
	case helper.FormatZIP:
		raw, err := io.ReadAll(br)
		if err != nil {
			return "", &InvalidArchiveError{Err: err}
		}
		content, err = readZIP(raw)
		if err != nil {
			return "", &InvalidArchiveError{Err: err}
		}
	case helper.FormatGZIP:
		content, err = readGZ(br)
		if err != nil {
			return "", &InvalidArchiveError{Err: err}
		}
	case helper.FormatXML:
		content, err = io.ReadAll(br)
		if err != nil {
			return "", &InvalidArchiveError{Err: err}
		}
	default:
		return "", ErrUnsupportedFormat
	}

	return string(content), nil
}

// DecodeBytes is Decode for an in memory payload.
func DecodeBytes(content []byte) (string, error) {
	return Decode(bytes.NewReader(content))
}

// DecodeFile is Decode for a file on disk.
func DecodeFile(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", fmt.Errorf("could not open %s: %w", filename, err)
	}
	defer f.Close()
	return Decode(f)
}
