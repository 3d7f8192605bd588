// Package assembler turns streamed transcript deltas into committed
// conversation entries.
//
// At most one draft is open at a time. A delta for a different response while
// a draft is open force-commits the open draft before starting the new one, so
// partial text is never discarded. A done signal for anything other than the
// open draft is stale and ignored.
package assembler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-realtime/pkg/realtime/conversation"
	"github.com/vango-go/vai-realtime/pkg/realtime/metrics"
)

// Draft is the in-progress assistant message.
type Draft struct {
	ID         string
	ResponseID string
	Text       string
	CreatedAt  time.Time
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Assembler struct {
	store   conversation.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	draft *Draft
}

func New(store conversation.Store, opts Options) *Assembler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:   store,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Delta appends text to the draft for responseID. If a draft for another
// response is open it is committed first and returned.
func (a *Assembler) Delta(ctx context.Context, responseID, text string) (conversation.Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		committed conversation.Entry
		ok        bool
	)
	if a.draft != nil && a.draft.ResponseID != responseID {
		a.logger.Warn("transcript overlap, committing open draft",
			"open_response_id", a.draft.ResponseID,
			"response_id", responseID,
		)
		a.metrics.RecordDraftOverlap()
		committed, ok = a.commitLocked(ctx)
	}

	if a.draft == nil {
		a.draft = &Draft{
			ID:         conversation.NewEntryID(),
			ResponseID: responseID,
			Text:       text,
			CreatedAt:  time.Now().UTC(),
		}
		return committed, ok
	}
	a.draft.Text += text
	return committed, ok
}

// Done commits the open draft when it belongs to responseID. Any other done
// signal is ignored.
func (a *Assembler) Done(ctx context.Context, responseID string) (conversation.Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.draft == nil || a.draft.ResponseID != responseID {
		a.logger.Debug("ignoring stale transcript done", "response_id", responseID)
		return conversation.Entry{}, false
	}
	return a.commitLocked(ctx)
}

// Flush commits any open draft. Used on teardown so partial text survives.
func (a *Assembler) Flush(ctx context.Context) (conversation.Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draft == nil {
		return conversation.Entry{}, false
	}
	return a.commitLocked(ctx)
}

// Draft returns a copy of the open draft.
func (a *Assembler) Draft() (Draft, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draft == nil {
		return Draft{}, false
	}
	return *a.draft, true
}

// commitLocked clears the draft slot whether or not the store accepts the
// entry; a draft is never committed twice.
func (a *Assembler) commitLocked(ctx context.Context) (conversation.Entry, bool) {
	d := a.draft
	a.draft = nil

	entry, err := a.store.Append(ctx, conversation.Entry{
		ID:        d.ID,
		Content:   conversation.AITranscript{ResponseID: d.ResponseID, Text: d.Text},
		CreatedAt: d.CreatedAt,
	})
	if err != nil {
		a.logger.Error("commit transcript failed",
			"response_id", d.ResponseID,
			"error", err,
		)
		return conversation.Entry{}, false
	}
	a.metrics.RecordEntry(string(conversation.KindAITranscript))
	return entry, true
}
