package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/scannerops/callwatch/internal/rules"
	"github.com/scannerops/callwatch/pkg/logger"
)

const transcriptExcerptLimit = 1500

// Transport is the messaging channel collaborator boundary. Failures from
// any of these calls are retryable.
type Transport interface {
	Send(ctx context.Context, channelID, text string) (string, error)
	SendAudio(ctx context.Context, channelID, path, caption string) (string, error)
	SendMediaGroup(ctx context.Context, channelID string, paths []string, caption string) ([]string, error)
}

// AudioConverter is the codec collaborator boundary. Best-effort: a failed
// conversion falls back to the original path.
type AudioConverter interface {
	Convert(ctx context.Context, path string) (string, error)
}

// Gate throttles sends per destination channel.
type Gate interface {
	Wait(ctx context.Context, channelID string) error
}

// Dispatcher formats a notification item and transmits it through the
// channel collaborator, gated by the rate limiter.
type Dispatcher struct {
	transport   Transport
	converter   AudioConverter
	gate        Gate
	maxLength   int
	maxExcerpts int
	logger      *logger.Logger
}

// NewDispatcher creates a dispatcher. converter may be nil when audio
// conversion is disabled.
func NewDispatcher(transport Transport, converter AudioConverter, gate Gate, maxLength, maxExcerpts int, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		transport:   transport,
		converter:   converter,
		gate:        gate,
		maxLength:   maxLength,
		maxExcerpts: maxExcerpts,
		logger:      log.Named("dispatcher"),
	}
}

// Dispatch sends the item's notification. Returns the destination message id
// of the first text send. A text send failure is retryable by the scheduler;
// audio follow-ups are best-effort and never fail the item.
func (d *Dispatcher) Dispatch(ctx context.Context, item *Item) (string, error) {
	text := FormatMessage(item, d.maxExcerpts)
	parts := SplitMessage(text, d.maxLength)

	var firstID string
	for i, part := range parts {
		if err := d.gate.Wait(ctx, item.ChannelID); err != nil {
			return "", fmt.Errorf("rate limit wait interrupted: %w", err)
		}
		id, err := d.transport.Send(ctx, item.ChannelID, part)
		if err != nil {
			return "", fmt.Errorf("channel send failed (part %d/%d): %w", i+1, len(parts), err)
		}
		if firstID == "" {
			firstID = id
		}
	}

	d.sendAudio(ctx, item)
	return firstID, nil
}

// sendAudio attaches the item's audio references as follow-up sends. Never
// fails the dispatch: the text notification already went out.
func (d *Dispatcher) sendAudio(ctx context.Context, item *Item) {
	paths := audioPaths(item)
	if len(paths) == 0 {
		return
	}

	converted := make([]string, 0, len(paths))
	for _, p := range paths {
		converted = append(converted, d.convert(ctx, p))
	}

	caption := fmt.Sprintf("Audio for %s", item.CallKey)
	if len(converted) == 1 {
		if err := d.gate.Wait(ctx, item.ChannelID); err != nil {
			return
		}
		if _, err := d.transport.SendAudio(ctx, item.ChannelID, converted[0], caption); err != nil {
			d.logger.Warn("Audio follow-up send failed",
				logger.String("call_key", item.CallKey),
				logger.Error(err),
			)
		}
		return
	}

	if err := d.gate.Wait(ctx, item.ChannelID); err != nil {
		return
	}
	if _, err := d.transport.SendMediaGroup(ctx, item.ChannelID, converted, caption); err != nil {
		d.logger.Warn("Audio media group send failed",
			logger.String("call_key", item.CallKey),
			logger.Int("files", len(converted)),
			logger.Error(err),
		)
	}
}

func (d *Dispatcher) convert(ctx context.Context, path string) string {
	if d.converter == nil {
		return path
	}
	out, err := d.converter.Convert(ctx, path)
	if err != nil || out == "" {
		d.logger.Debug("Audio conversion failed, using original",
			logger.String("path", path),
			logger.Error(err),
		)
		return path
	}
	return out
}

func audioPaths(item *Item) []string {
	var paths []string
	if item.Payload.AudioPath != "" {
		paths = append(paths, item.Payload.AudioPath)
	}
	for _, seg := range item.Payload.Segments {
		if seg.AudioPath != "" {
			paths = append(paths, seg.AudioPath)
		}
	}
	return paths
}

// FormatMessage renders the outbound notification text: a header naming the
// matched keywords and severity, location and enrichment context, call
// metadata, the transcript (or grouped excerpts), and an id/confidence
// footer.
func FormatMessage(item *Item, maxExcerpts int) string {
	severity := topSeverity(item.Matches)
	keywords := matchedKeywords(item.Matches)

	lines := []string{
		fmt.Sprintf("%s %s: %s", severityEmoji(severity), strings.ToUpper(string(severity)), keywords),
	}

	if item.Payload.Location != "" {
		lines = append(lines, fmt.Sprintf("📍 Location: %s", item.Payload.Location))
	}
	if e := item.Enrichment; e != nil {
		lines = append(lines, fmt.Sprintf("🏥 Nearest: %s (%.1f mi, ~%d min)", e.FacilityName, e.DistanceMiles, e.ETAMinutes))
	}
	if !item.Payload.Timestamp.IsZero() {
		lines = append(lines, fmt.Sprintf("🕒 Time: %s", item.Payload.Timestamp.Format("2006-01-02 15:04:05")))
	}
	if item.Payload.CallType != "" {
		lines = append(lines, fmt.Sprintf("🏷️ Type: %s", item.Payload.CallType))
	}
	if len(item.Payload.Units) > 0 {
		lines = append(lines, fmt.Sprintf("🚒 Units: %s", strings.Join(item.Payload.Units, ", ")))
	}

	lines = append(lines, "")
	if len(item.Payload.Segments) > 0 {
		lines = append(lines, "Conversation:")
		lines = append(lines, segmentExcerpts(item.Payload.Segments, maxExcerpts)...)
	} else {
		lines = append(lines, "Transcript:")
		lines = append(lines, truncate(item.Payload.Transcript, transcriptExcerptLimit))
	}

	lines = append(lines, "", fmt.Sprintf("id=%s conf=%.2f", item.CallKey, item.Payload.Confidence))
	return strings.Join(lines, "\n")
}

// segmentExcerpts renders up to maxExcerpts segments in chronological order
// with an explicit notice for the remainder.
func segmentExcerpts(segments []Segment, maxExcerpts int) []string {
	shown := len(segments)
	if maxExcerpts > 0 && shown > maxExcerpts {
		shown = maxExcerpts
	}
	lines := make([]string, 0, shown+1)
	for _, seg := range segments[:shown] {
		lines = append(lines, fmt.Sprintf("[%s] %s", seg.Timestamp.Format("15:04:05"), truncate(seg.Transcript, 300)))
	}
	if remainder := len(segments) - shown; remainder > 0 {
		lines = append(lines, fmt.Sprintf("...and %d more", remainder))
	}
	return lines
}

// SplitMessage splits text into chunks no longer than maxLength, breaking on
// line boundaries and preserving line order. A single line longer than the
// limit is hard-split.
func SplitMessage(text string, maxLength int) []string {
	if maxLength <= 0 || len(text) <= maxLength {
		return []string{text}
	}

	var parts []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxLength {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
			parts = append(parts, line[:maxLength])
			line = line[maxLength:]
		}
		need := len(line)
		if current.Len() > 0 {
			need++ // joining newline
		}
		if current.Len()+need > maxLength {
			parts = append(parts, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func topSeverity(matches []rules.Match) rules.Severity {
	best := rules.SeverityLow
	bestRank := best.Rank()
	for _, m := range matches {
		if r := m.Severity.Rank(); r < bestRank {
			best, bestRank = m.Severity, r
		}
	}
	return best
}

func matchedKeywords(matches []rules.Match) string {
	seen := make(map[string]struct{}, len(matches))
	var keywords []string
	for _, m := range matches {
		k := m.Matched
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keywords = append(keywords, k)
	}
	if len(keywords) == 0 {
		return "keyword alert"
	}
	return strings.Join(keywords, ", ")
}

func severityEmoji(severity rules.Severity) string {
	switch severity {
	case rules.SeverityCritical:
		return "🚨"
	case rules.SeverityHigh:
		return "🔴"
	case rules.SeverityNormal:
		return "🔔"
	default:
		return "ℹ️"
	}
}

func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return strings.TrimSpace(text[:limit]) + "…"
}
