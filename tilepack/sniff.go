package tilepack

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	// SniffLength is how much of an artifact is read to tell an HTML page from a payload.
	SniffLength = 100
	// HeaderLength is the size of the SQLite magic header.
	HeaderLength = 16
)

// SQLiteHeader is the magic every package file starts with.
var SQLiteHeader = []byte("SQLite format 3\x00")

// a document may open with any of these; comments and bare heads show up on hosting pages
var htmlSignatures = [][]byte{
	[]byte("<!doctype html"),
	[]byte("<html"),
	[]byte("<head"),
	[]byte("<!--"),
}

// matches uc?export=download&confirm=TOKEN with an optional id parameter, raw or HTML-escaped
var confirmLink = regexp.MustCompile(`uc\?export=download(?:&amp;|&)confirm=([0-9A-Za-z_\-]+)(?:(?:&amp;|&)id=([0-9A-Za-z_\-]+))?`)

// looksLikeHTML reports whether prefix is the start of an HTML document: it opens with a known
// signature after an optional BOM and whitespace, or carries an <html tag anywhere in it.
func looksLikeHTML(prefix []byte) bool {
	trimmed := bytes.TrimPrefix(prefix, []byte("\xef\xbb\xbf"))
	trimmed = bytes.ToLower(bytes.TrimLeft(trimmed, " \t\r\n"))
	for _, sig := range htmlSignatures {
		if bytes.HasPrefix(trimmed, sig) {
			return true
		}
	}
	return bytes.Contains(trimmed, []byte("<html"))
}

// hasSQLiteHeader reports whether header starts with the 16-byte SQLite magic.
func hasSQLiteHeader(header []byte) bool {
	return len(header) >= HeaderLength && bytes.Equal(header[:HeaderLength], SQLiteHeader)
}

// extractDirectLink finds the confirm link in a hosting page and resolves it against the
// host of sourceURL. When the page omits the file id, the id of sourceURL is carried over.
func extractDirectLink(page []byte, sourceURL string) (string, error) {
	match := confirmLink.FindSubmatch(page)
	if match == nil {
		return "", fmt.Errorf("no confirm link in %d byte page", len(page))
	}

	source, err := url.Parse(sourceURL)
	if err != nil {
		return "", fmt.Errorf("invalid source url %s: %w", sourceURL, err)
	}

	query := url.Values{}
	query.Set("export", "download")
	query.Set("confirm", string(match[1]))
	id := string(match[2])
	if id == "" {
		id = source.Query().Get("id")
	}
	if id != "" {
		query.Set("id", id)
	}

	direct := &url.URL{
		Scheme:   source.Scheme,
		Host:     source.Host,
		Path:     "/uc",
		RawQuery: query.Encode(),
	}
	if !strings.HasPrefix(direct.Scheme, "http") {
		return "", fmt.Errorf("cannot resolve confirm link against %s", sourceURL)
	}
	return direct.String(), nil
}
