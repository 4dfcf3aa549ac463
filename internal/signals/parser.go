package signals

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// LineError describes one rejected line of a signal file
type LineError struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ParseError collects every rejected line. Valid lines are still returned by Parse.
type ParseError struct {
	Lines []LineError
}

func (e *ParseError) Error() string {
	if len(e.Lines) == 1 {
		return e.Lines[0].Error()
	}
	msgs := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		msgs = append(msgs, l.Error())
	}
	return fmt.Sprintf("%d invalid signal lines: %s", len(e.Lines), strings.Join(msgs, "; "))
}

// Parse reads "TIMEFRAME;ASSET;HH:MM;DIRECTION" lines. Blank lines and lines starting
// with '#' are skipped. Invalid lines are reported in a *ParseError alongside the valid signals.
func Parse(r io.Reader) ([]Signal, error) {
	var (
		out     []Signal
		rejects []LineError
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ";")
		if len(fields) != 4 {
			rejects = append(rejects, LineError{
				Line:   lineNo,
				Text:   line,
				Reason: "invalid format, expected TIMEFRAME;ASSET;HH:MM;DIRECTION",
			})
			continue
		}

		sig, err := New(fields[0], fields[1], fields[2], fields[3])
		if err != nil {
			rejects = append(rejects, LineError{Line: lineNo, Text: line, Reason: err.Error()})
			continue
		}
		sig.Line = lineNo
		out = append(out, sig)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to read signals: %w", err)
	}

	if len(rejects) > 0 {
		return out, &ParseError{Lines: rejects}
	}
	return out, nil
}

// Format renders signals back into file format, one per line
func Format(list []Signal) string {
	var b strings.Builder
	for _, s := range list {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	return b.String()
}
