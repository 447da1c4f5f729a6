package relay

import (
	"sync"

	"peerstream/internal/broker"
	"peerstream/internal/models"
)

type published struct {
	channel string
	msg     broker.Message
	hint    string
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []published
}

func (p *recordingPublisher) Publish(channel string, msg broker.Message, hint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, published{channel: channel, msg: msg, hint: hint})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.entries...)
}

func (p *recordingPublisher) downloads() []models.DownloadRecord {
	var out []models.DownloadRecord
	for _, entry := range p.all() {
		if record, ok := entry.msg.Data.(models.DownloadRecord); ok {
			out = append(out, record)
		}
	}
	return out
}

func (p *recordingPublisher) results() []models.SearchResultRecord {
	var out []models.SearchResultRecord
	for _, entry := range p.all() {
		if record, ok := entry.msg.Data.(models.SearchResultRecord); ok {
			out = append(out, record)
		}
	}
	return out
}
