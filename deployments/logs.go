package deployments

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/Bidon15/otaupdate/internal/merror"
)

var (
	messagesHeader  = []byte(`{"messages":[`)
	messagesCloser  = []byte(`]}`)
	corruptedNotice = "(THE ORIGINAL LOGS CONTAINED INVALID ENTRIES)"
	corruptedLine   = "(CORRUPTED LOG DATA)"
)

type logRecord struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level,omitempty"`
	Message   string `json:"message"`
}

// SanitizeLogFile reads the line-delimited log records at path,
// replaces any line that is not valid JSON with a synthetic
// "(CORRUPTED LOG DATA)" record carrying the last-known timestamp, and
// writes the `{"messages":[...]}`-wrapped result to a side file next
// to path. It returns the side file's path and exact byte length, so
// the caller can set Content-Length before streaming it — the server
// this pushes to does not accept chunked encoding.
func SanitizeLogFile(path string) (sidePath string, length int64, err error) {
	in, err := os.Open(path)
	if err != nil {
		return "", 0, merror.New(merror.ProgrammingError, "deployments.SanitizeLogFile", err)
	}
	defer in.Close()

	sidePath = path + ".sanitized"
	out, err := os.Create(sidePath)
	if err != nil {
		return "", 0, merror.New(merror.ProgrammingError, "deployments.SanitizeLogFile", err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	written := 0
	write := func(b []byte) {
		n, _ := w.Write(b)
		written += n
	}

	write(messagesHeader)

	var lastTimestamp string
	corrupted := false
	first := true

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec logRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			if !corrupted {
				corrupted = true
				notice, _ := json.Marshal(logRecord{
					Timestamp: noticeTimestamp(lastTimestamp),
					Level:     "ERROR",
					Message:   corruptedNotice,
				})
				if !first {
					write([]byte(","))
				}
				write(notice)
				first = false
			}
			synthetic, _ := json.Marshal(logRecord{
				Timestamp: noticeTimestamp(lastTimestamp),
				Level:     "ERROR",
				Message:   corruptedLine,
			})
			if !first {
				write([]byte(","))
			}
			write(synthetic)
			first = false
			continue
		}

		lastTimestamp = rec.Timestamp
		if !first {
			write([]byte(","))
		}
		write(line)
		first = false
	}
	if err := scanner.Err(); err != nil {
		return "", 0, merror.New(merror.ProgrammingError, "deployments.SanitizeLogFile", err)
	}

	write(messagesCloser)

	if err := w.Flush(); err != nil {
		return "", 0, merror.New(merror.ProgrammingError, "deployments.SanitizeLogFile", err)
	}

	info, err := out.Stat()
	if err != nil {
		return "", 0, merror.New(merror.ProgrammingError, "deployments.SanitizeLogFile", err)
	}
	return sidePath, info.Size(), nil
}

func noticeTimestamp(lastKnown string) string {
	if lastKnown != "" {
		return lastKnown
	}
	return time.Unix(0, 0).UTC().Format(time.RFC3339)
}
