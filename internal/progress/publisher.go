package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Update is the notification sent to listeners after every durably
// committed transition. Delivery to live subscribers is at-least-once;
// the events table is the durable record.
type Update struct {
	RunID           string `json:"run_id"`
	Stage           string `json:"stage"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	Timestamp       string `json:"timestamp" format:"date-time"`
}

// Publisher appends transition events in the caller's transaction and
// fans committed updates out to in-process subscribers. Pure observer:
// it never influences control flow.
type Publisher struct {
	DB  *sql.DB
	Now func() time.Time

	mu     sync.Mutex
	subs   map[int]chan Update
	nextID int
}

func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{DB: db, Now: time.Now, subs: map[int]chan Update{}}
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// AppendTx writes one event row inside tx. The caller commits the event
// together with the checkpoint it describes.
func (p *Publisher) AppendTx(ctx context.Context, tx *sql.Tx, evtType string, u Update, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := p.now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,run_id,stage,status,progress,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(u.RunID), nullable(u.Stage), nullable(u.Status), u.ProgressPercent, string(data))
	return err
}

// Notify fans an update out to all current subscribers. Slow subscribers
// drop messages rather than block the engine; they can recover from the
// durable event log.
func (p *Publisher) Notify(u Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Subscribe registers a listener. The returned cancel func must be called
// to release the channel.
func (p *Publisher) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()
	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
