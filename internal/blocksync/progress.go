package blocksync

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Progress accumulates the session-wide percentages.
type Progress struct {
	Downloaded int
	Saved      int
	Applied    int
	Status     string
}

// update folds ev into p and reports whether a percentage or the status changed.
func (p *Progress) update(ev Event) bool {
	switch ev.Kind {
	case EventDownloaded:
		if ev.Percent == p.Downloaded {
			return false
		}
		p.Downloaded = ev.Percent
	case EventSaved:
		if ev.Percent == p.Saved {
			return false
		}
		p.Saved = ev.Percent
	case EventApplied:
		if ev.Percent == p.Applied {
			return false
		}
		p.Applied = ev.Percent
	case EventStatus:
		p.Status = ev.Message
	default:
		return false
	}
	return true
}

// LogProgress logs percentage changes from events until the stream closes
// or ctx is done.
func LogProgress(ctx context.Context, events *Events, logger zerolog.Logger) {
	var p Progress
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events.C():
			if !ok {
				return
			}
			switch ev.Kind {
			case EventWrongChunk, EventUnable:
				logger.Warn().Int("chunk", ev.Chunk).Str("peer", ev.Peer).Err(ev.Err).Msg(string(ev.Kind))
			case EventDone:
				logger.Info().Int("downloaded", p.Downloaded).Int("applied", p.Applied).Msg("Sync finished")
			default:
				if p.update(ev) {
					logger.Info().
						Str("download", fmt.Sprintf("%d%%", p.Downloaded)).
						Str("saved", fmt.Sprintf("%d%%", p.Saved)).
						Str("applied", fmt.Sprintf("%d%%", p.Applied)).
						Str("status", p.Status).
						Msg("Sync progress")
				}
			}
		}
	}
}

const barWidth = 30

// RenderBar draws a fixed-width progress bar for pct.
func RenderBar(pct int) string {
	pct = max(0, min(pct, 100))
	filled := pct * barWidth / 100
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled) + "]"
}

// TermProgress rewrites a single progress line on w, for interactive
// terminals.
func TermProgress(ctx context.Context, events *Events, w io.Writer) {
	var p Progress
	draw := func() {
		fmt.Fprintf(w, "\rDownload %s %3d%%  Apply %s %3d%%  %s",
			RenderBar(p.Downloaded), p.Downloaded, RenderBar(p.Applied), p.Applied, p.Status)
	}
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return
		case ev, ok := <-events.C():
			if !ok {
				fmt.Fprintln(w)
				return
			}
			if ev.Kind == EventDone {
				draw()
				fmt.Fprintln(w)
				continue
			}
			if p.update(ev) {
				draw()
			}
		}
	}
}
