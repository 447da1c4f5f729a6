package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DownloadState is the lifecycle phase reported for a download.
type DownloadState string

const (
	DownloadStateConnecting  DownloadState = "connecting"
	DownloadStateDownloading DownloadState = "downloading"
	DownloadStatePaused      DownloadState = "paused"
	DownloadStateCompleted   DownloadState = "completed"
	// DownloadStateRemoved is terminal. A record carrying it is the last one
	// published for the content id.
	DownloadStateRemoved DownloadState = "removed"
	DownloadStateError   DownloadState = "error"
)

var knownDownloadStates = map[DownloadState]struct{}{
	DownloadStateConnecting:  {},
	DownloadStateDownloading: {},
	DownloadStatePaused:      {},
	DownloadStateCompleted:   {},
	DownloadStateRemoved:     {},
	DownloadStateError:       {},
}

// ParseDownloadState normalises a textual state. Unknown values are rejected.
func ParseDownloadState(value string) (DownloadState, error) {
	state := DownloadState(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := knownDownloadStates[state]; !ok {
		return "", fmt.Errorf("unknown download state %q", value)
	}
	return state, nil
}

// Terminal reports whether no further records follow this state.
func (s DownloadState) Terminal() bool {
	return s == DownloadStateRemoved
}

// DownloadRecord is the full snapshot of a download published to clients.
// Every publish carries every field; consumers never merge partial updates.
type DownloadRecord struct {
	ContentID       string        `json:"contentId"`
	Title           string        `json:"title"`
	State           DownloadState `json:"state"`
	CurrentBytes    int64         `json:"currentBytes"`
	TotalBytes      int64         `json:"totalBytes"`
	PercentComplete float64       `json:"percentComplete"`
	// DownloadSpeed is expressed in bytes per second.
	DownloadSpeed int64         `json:"downloadSpeed"`
	SourceCount   int           `json:"sourceCount"`
	RemainingTime time.Duration `json:"-"`
	FileName      string        `json:"fileName"`
	ObservedAt    time.Time     `json:"observedAt"`
}

type downloadRecordJSON struct {
	ContentID        string        `json:"contentId"`
	Title            string        `json:"title"`
	State            DownloadState `json:"state"`
	CurrentBytes     int64         `json:"currentBytes"`
	TotalBytes       int64         `json:"totalBytes"`
	PercentComplete  float64       `json:"percentComplete"`
	DownloadSpeed    int64         `json:"downloadSpeed"`
	SourceCount      int           `json:"sourceCount"`
	RemainingSeconds int64         `json:"remainingTimeEstimate"`
	FileName         string        `json:"fileName"`
	ObservedAt       time.Time     `json:"observedAt"`
}

// MarshalJSON renders the remaining time estimate in whole seconds, which is
// what push clients display.
func (r DownloadRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(downloadRecordJSON{
		ContentID:        r.ContentID,
		Title:            r.Title,
		State:            r.State,
		CurrentBytes:     r.CurrentBytes,
		TotalBytes:       r.TotalBytes,
		PercentComplete:  r.PercentComplete,
		DownloadSpeed:    r.DownloadSpeed,
		SourceCount:      r.SourceCount,
		RemainingSeconds: int64(r.RemainingTime / time.Second),
		FileName:         r.FileName,
		ObservedAt:       r.ObservedAt,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *DownloadRecord) UnmarshalJSON(data []byte) error {
	var raw downloadRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = DownloadRecord{
		ContentID:       raw.ContentID,
		Title:           raw.Title,
		State:           raw.State,
		CurrentBytes:    raw.CurrentBytes,
		TotalBytes:      raw.TotalBytes,
		PercentComplete: raw.PercentComplete,
		DownloadSpeed:   raw.DownloadSpeed,
		SourceCount:     raw.SourceCount,
		RemainingTime:   time.Duration(raw.RemainingSeconds) * time.Second,
		FileName:        raw.FileName,
		ObservedAt:      raw.ObservedAt,
	}
	return nil
}

// Percent computes completion in the range [0, 100]. A zero total yields zero.
func Percent(current, total int64) float64 {
	if total <= 0 || current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return float64(current) * 100 / float64(total)
}

// Source describes one peer presence advertising a search result.
type Source struct {
	PresenceID      string `json:"presenceId"`
	DisplayLocation string `json:"displayLocation,omitempty"`
}

// ResultProperties carries the optional media metadata attached to a result.
type ResultProperties struct {
	Album     string     `json:"album,omitempty"`
	Title     string     `json:"title,omitempty"`
	Author    string     `json:"author,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Length    string     `json:"length,omitempty"`
	Genre     string     `json:"genre,omitempty"`
}

// SearchResultRecord is a single result published on a query channel.
// Records are immutable once published.
type SearchResultRecord struct {
	QueryID    string           `json:"queryId"`
	ContentID  string           `json:"contentId"`
	FileName   string           `json:"fileName"`
	MagnetLink string           `json:"magnetLink"`
	Category   string           `json:"category"`
	IsSpam     bool             `json:"isSpam"`
	SizeBytes  int64            `json:"sizeBytes"`
	Properties ResultProperties `json:"properties"`
	InLibrary  bool             `json:"inLibrary"`
	Sources    []Source         `json:"sources"`
	ReceivedAt time.Time        `json:"receivedAt"`
}

// QueryAck is returned to the client that issued a search. Results follow on
// the channel named by QueryID.
type QueryAck struct {
	QueryID string `json:"queryId"`
	Text    string `json:"text"`
}
