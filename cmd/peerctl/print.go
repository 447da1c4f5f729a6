package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"peerstream/internal/journal"
	"peerstream/internal/models"
	"peerstream/internal/relay"
)

func printEntry(w io.Writer, entry journal.Entry) error {
	switch entry.Type {
	case relay.MessageTypeDownload, relay.MessageTypeStatus:
		var record models.DownloadRecord
		if err := entry.Decode(&record); err != nil {
			return err
		}
		printDownload(w, record)
	case relay.MessageTypeResult:
		var result models.SearchResultRecord
		if err := entry.Decode(&result); err != nil {
			return err
		}
		printResult(w, result)
	case relay.MessageTypeError:
		fmt.Fprintf(w, "error\t%s\t%s\n", entry.Channel, entry.Error)
	default:
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(raw))
	}
	return nil
}

func printDownload(w io.Writer, r models.DownloadRecord) {
	fmt.Fprintf(w, "%s\t%s\t%5.1f%%\t%s/%s\t%s/s\t%d peers\teta %s\t%s\n",
		r.ContentID, r.State, r.PercentComplete,
		formatBytes(r.CurrentBytes), formatBytes(r.TotalBytes),
		formatBytes(r.DownloadSpeed), r.SourceCount,
		r.RemainingTime.Round(time.Second), r.Title)
}

func printResult(w io.Writer, r models.SearchResultRecord) {
	marker := ""
	if r.InLibrary {
		marker = " [library]"
	}
	if r.IsSpam {
		marker += " [spam]"
	}
	fmt.Fprintf(w, "%s\t%s\t%s%s\n", r.ContentID, formatBytes(r.SizeBytes), r.FileName, marker)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
