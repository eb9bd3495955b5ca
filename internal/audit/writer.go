package audit

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/campaignhq/internal/impersonation"
	"github.com/mbd888/campaignhq/internal/logging"
	"github.com/mbd888/campaignhq/internal/metrics"
)

// Publisher receives entries after they are durably committed.
type Publisher interface {
	PublishAudit(e *Entry)
}

// Writer builds entries with request context and records them.
type Writer struct {
	store     Store
	signer    *impersonation.Signer
	publisher Publisher
}

// NewWriter creates a writer. signer may be nil, in which case impersonation
// context is never reported.
func NewWriter(store Store, signer *impersonation.Signer) *Writer {
	return &Writer{store: store, signer: signer}
}

// WithPublisher sets where committed entries are broadcast.
func (w *Writer) WithPublisher(p Publisher) *Writer {
	w.publisher = p
	return w
}

// Store returns the underlying store.
func (w *Writer) Store() Store {
	return w.store
}

// FromRequest builds an entry and merges the request context into
// metadata._context: client ip, user agent, request id, and whether the
// actor was impersonating a workspace when acting.
func (w *Writer) FromRequest(c *gin.Context, actorID string, action Action, target Target, metadata map[string]interface{}) *Entry {
	e := NewEntry(actorID, action, target, metadata)
	if c == nil || c.Request == nil {
		return e
	}

	reqCtx := map[string]interface{}{
		"ip":            c.ClientIP(),
		"userAgent":     c.Request.UserAgent(),
		"impersonating": false,
	}
	if id := logging.RequestID(c.Request.Context()); id != "" {
		reqCtx["requestId"] = id
	}
	if sess, ok := w.signer.FromRequest(c.Request); ok && sess.AdminID == actorID {
		reqCtx["impersonating"] = true
		reqCtx["impersonatedWorkspaceId"] = sess.WorkspaceID
	}
	e.Metadata[ContextKey] = reqCtx
	return e
}

// Record appends a standalone entry, for actions whose only durable effect
// is the audit record itself. The error must reach the caller.
func (w *Writer) Record(ctx context.Context, e *Entry) error {
	if err := w.store.Append(ctx, e); err != nil {
		logging.L(ctx).Error("audit append failed", "action", e.Action, "target_id", e.TargetID, "error", err)
		return err
	}
	w.Committed(ctx, e)
	return nil
}

// Committed is called once e is durable, whether appended by Record or inside
// another store's transaction.
func (w *Writer) Committed(ctx context.Context, e *Entry) {
	metrics.AuditEntriesTotal.WithLabelValues(string(e.Action)).Inc()
	logging.L(ctx).Info("audit",
		"action", e.Action,
		"actor_id", e.ActorID,
		"target_type", e.TargetType,
		"target_id", e.TargetID,
	)
	if w.publisher != nil {
		w.publisher.PublishAudit(e)
	}
}
