package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// QueryParams defines read-only filters for compliance queries. All
// fields are optional — empty/zero values mean "no filter". Results are
// always ordered by ascending sequence; no other ordering is offered,
// so chain-adjacent entries display in chain order.
type QueryParams struct {
	ResourceType string // Exact match.
	ResourceID   string // Exact match; requires ResourceType.
	EventType    string // Exact match, or a glob pattern such as "case.*".
	Actor        string // Exact match.
	Action       Action // Exact match.
	Since        string // RFC3339 timestamp or duration string (e.g. "24h").
	Until        string // RFC3339 timestamp (inclusive upper bound).
	Limit        int    // Maximum entries to return (most recent kept).
}

// Query retrieves committed entries matching the given filters, in
// ascending sequence order. Entries are returned exactly as persisted —
// details are never enriched or recomputed, so nothing the caller did
// not put into the log can leak out through a query.
func (l *Log) Query(ctx context.Context, params QueryParams) ([]Entry, error) {
	since, err := resolveSince(params.Since)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries WHERE 1=1`
	var args []any

	if params.ResourceType != "" {
		query += ` AND resource_type = ?`
		args = append(args, params.ResourceType)
	}
	if params.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, params.ResourceID)
	}
	if params.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, params.Actor)
	}
	if params.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(params.Action))
	}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	if params.Until != "" {
		until, err := normalizeTimestamp(params.Until)
		if err != nil {
			return nil, fmt.Errorf("invalid until timestamp %q: %w", params.Until, err)
		}
		query += ` AND timestamp <= ?`
		args = append(args, until)
	}

	var matcher glob.Glob
	if params.EventType != "" {
		if isGlobPattern(params.EventType) {
			g, err := glob.Compile(params.EventType)
			if err != nil {
				return nil, fmt.Errorf("invalid event type pattern %q: %w", params.EventType, err)
			}
			matcher = g
		} else {
			query += ` AND event_type = ?`
			args = append(args, params.EventType)
		}
	}

	query += ` ORDER BY sequence ASC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	entries, err := collectEntries(ctx, rows)
	if err != nil {
		return nil, err
	}

	if matcher != nil {
		filtered := entries[:0]
		for _, e := range entries {
			if matcher.Match(e.EventType) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if params.Limit > 0 && len(entries) > params.Limit {
		entries = entries[len(entries)-params.Limit:]
	}
	return entries, nil
}

// ListByResource returns the audit trail of a single resource, in
// ascending sequence order.
func (l *Log) ListByResource(ctx context.Context, resourceType, resourceID string) ([]Entry, error) {
	return l.Query(ctx, QueryParams{ResourceType: resourceType, ResourceID: resourceID})
}

// ListByEventType returns entries of one event category. The event type
// may be a glob pattern ("case.*", "encryption.*").
func (l *Log) ListByEventType(ctx context.Context, eventType string) ([]Entry, error) {
	return l.Query(ctx, QueryParams{EventType: eventType})
}

// Export writes entries matching params to w in the given format for
// compliance reporting. Supported formats: "jsonl" (default), "json",
// "csv".
func (l *Log) Export(ctx context.Context, w io.Writer, format string, params QueryParams) error {
	entries, err := l.Query(ctx, params)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{
			"sequence", "id", "timestamp", "event_type", "actor",
			"resource_type", "resource_id", "action", "success",
			"error_message", "integrity_hash", "previous_hash",
		}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				strconv.FormatUint(e.Sequence, 10),
				e.ID,
				e.Timestamp,
				e.EventType,
				e.Actor,
				e.ResourceType,
				e.ResourceID,
				string(e.Action),
				strconv.FormatBool(e.Success),
				e.ErrorMessage,
				e.IntegrityHash,
				e.PreviousHash,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

// resolveSince converts a duration string (e.g. "1h", "24h") into a
// stored-layout timestamp. Values already containing a 'T' are treated
// as RFC3339 timestamps and normalized.
func resolveSince(since string) (string, error) {
	if since == "" {
		return "", nil
	}
	if strings.Contains(since, "T") {
		ts, err := normalizeTimestamp(since)
		if err != nil {
			return "", fmt.Errorf("invalid since timestamp %q: %w", since, err)
		}
		return ts, nil
	}
	d, err := time.ParseDuration(since)
	if err != nil {
		return "", fmt.Errorf("invalid since duration %q: %w", since, err)
	}
	return time.Now().UTC().Add(-d).Format(timestampLayout), nil
}

// normalizeTimestamp reparses a caller-supplied RFC3339 value into the
// fixed-width stored layout so the SQL string comparison against the
// timestamp column matches chronological order. Without this a
// whole-second bound ("…:00Z") would sort after any fractional
// timestamp in the same second.
func normalizeTimestamp(ts string) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(timestampLayout), nil
}

// isGlobPattern reports whether the event type filter needs glob
// matching rather than SQL equality.
func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}
