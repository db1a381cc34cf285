package harcap

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

// HAREntry is one captured flow in HAR 1.2 shape. Traces are written as
// JSON Lines, one HAREntry per line.
type HAREntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         HARTimings  `json:"timings"`
	FlowID          string      `json:"_flowId,omitempty"`
}

// HARRequest is the request half of an entry.
type HARRequest struct {
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []HARNameValue `json:"headers"`
	QueryString []HARNameValue `json:"queryString"`
	Cookies     []HARNameValue `json:"cookies"`
	PostData    *HARPostData   `json:"postData,omitempty"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int64          `json:"bodySize"`
}

// HARResponse is the response half of an entry.
type HARResponse struct {
	Status      int            `json:"status"`
	StatusText  string         `json:"statusText"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []HARNameValue `json:"headers"`
	Cookies     []HARNameValue `json:"cookies"`
	Content     HARContent     `json:"content"`
	RedirectURL string         `json:"redirectURL"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int64          `json:"bodySize"`
}

// HARContent is the decoded response body. Encoding is "base64" when Text
// holds binary content.
type HARContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
	Encoding string `json:"encoding,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// HARPostData is the request body.
type HARPostData struct {
	MimeType string         `json:"mimeType"`
	Text     string         `json:"text"`
	Params   []HARNameValue `json:"params,omitempty"`
}

// HARTimings are in milliseconds.
type HARTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// HARNameValue is a header, query parameter, cookie or form field.
type HARNameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderMap rebuilds an http.Header from HAR header pairs, keeping names
// exactly as written.
func HeaderMap(pairs []HARNameValue) http.Header {
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		h[p.Name] = append(h[p.Name], p.Value)
	}
	return h
}

// ReadTraceFile reads every complete entry from a JSON Lines trace file.
func ReadTraceFile(path string) ([]HAREntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadTrace(f)
}

// ReadTrace reads JSON Lines entries from r. A final line without a
// trailing newline is a write cut short by an abrupt stop and is ignored;
// a malformed line anywhere else is an error.
func ReadTrace(r io.Reader) ([]HAREntry, error) {
	br := bufio.NewReader(r)
	var (
		entries []HAREntry
		lineNum int
	)

	for {
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return entries, fmt.Errorf("read trace: %w", err)
		}
		complete := err == nil
		if len(bytes.TrimSpace(line)) > 0 {
			lineNum++
			if !complete {
				// Torn tail.
				return entries, nil
			}
			var e HAREntry
			if uerr := json.Unmarshal(line, &e); uerr != nil {
				return entries, fmt.Errorf("trace line %d: %w", lineNum, uerr)
			}
			entries = append(entries, e)
		}
		if !complete {
			return entries, nil
		}
	}
}

// HARLog is a complete HAR 1.2 document.
type HARLog struct {
	Log struct {
		Version string     `json:"version"`
		Creator HARCreator `json:"creator"`
		Entries []HAREntry `json:"entries"`
	} `json:"log"`
}

// HARCreator names the producing tool.
type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// WriteHAR writes entries as a single HAR 1.2 document.
func WriteHAR(w io.Writer, entries []HAREntry) error {
	var doc HARLog
	doc.Log.Version = "1.2"
	doc.Log.Creator = HARCreator{Name: "harcap", Version: Version}
	doc.Log.Entries = entries
	if doc.Log.Entries == nil {
		doc.Log.Entries = []HAREntry{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode har: %w", err)
	}
	return nil
}
