package parse

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/bristlenose/bristlenose/pkg/types"
)

// DOCX parses a Teams-export transcript document: each utterance is a
// paragraph (or paragraph pair) carrying the speaker name and an inline
// timecode. End times are not present in the document, so each segment ends
// where the next begins.
func DOCX(data []byte, sessionID string) ([]types.Segment, error) {
	paras, err := docxParagraphs(data)
	if err != nil {
		return nil, err
	}

	var segs []types.Segment
	var pending *types.Segment
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if speaker, tc, text, ok := matchUtterance(p); ok {
			if pending != nil {
				segs = append(segs, *pending)
			}
			start, err := types.ParseTimecode(tc)
			if err != nil {
				pending = nil
				continue
			}
			pending = &types.Segment{
				SessionID:    sessionID,
				Start:        start,
				SpeakerLabel: speaker,
				Text:         text,
			}
			continue
		}
		// Continuation paragraph: body text for the preceding header.
		if pending != nil {
			if pending.Text != "" {
				pending.Text += " "
			}
			pending.Text += p
		}
	}
	if pending != nil {
		segs = append(segs, *pending)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("parse: no utterances found in DOCX")
	}

	// Close each open interval at the next utterance's start.
	for i := range segs {
		if i+1 < len(segs) {
			segs[i].End = segs[i+1].Start
		} else {
			segs[i].End = segs[i].Start + 5
		}
	}
	return finalize(segs), nil
}

// utteranceRe matches "Speaker Name   0:16   text…" and the header-only form
// "Speaker Name   0:16". The timecode may be MM:SS or HH:MM:SS.
var utteranceRe = regexp.MustCompile(`^(.{1,60}?)\s{1,}(\d{1,2}:\d{2}(?::\d{2})?)(?:\s+(.*))?$`)

func matchUtterance(p string) (speaker, timecode, text string, ok bool) {
	m := utteranceRe.FindStringSubmatch(p)
	if m == nil {
		return "", "", "", false
	}
	return strings.TrimSpace(m[1]), m[2], strings.TrimSpace(m[3]), true
}

// docxParagraphs unzips document.xml and returns the concatenated run text of
// each paragraph. Only the WordprocessingML subset a Teams export uses is
// handled: w:p paragraphs, w:t text runs, w:tab and w:br as separators.
func docxParagraphs(data []byte) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse: open docx: %w", err)
	}
	var doc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc, err = f.Open()
			if err != nil {
				return nil, fmt.Errorf("parse: open document.xml: %w", err)
			}
			break
		}
	}
	if doc == nil {
		return nil, fmt.Errorf("parse: docx has no word/document.xml")
	}
	defer doc.Close()

	dec := xml.NewDecoder(doc)
	var paras []string
	var cur strings.Builder
	inPara := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse: decode document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				cur.Reset()
			case "t":
				if inPara {
					var s string
					if err := dec.DecodeElement(&s, &t); err == nil {
						cur.WriteString(s)
					}
				}
			case "tab", "br":
				if inPara {
					cur.WriteString(" ")
				}
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inPara {
				paras = append(paras, cur.String())
				inPara = false
			}
		}
	}
	return paras, nil
}
