package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/dmitrijs2005/blobsync/internal/events"
)

// progress renders engine events. On a terminal transfers redraw a single
// status line; otherwise only completions and notifications are printed.
type progress struct {
	mu  sync.Mutex
	out io.Writer
	tty bool

	dirty bool
}

func newProgress(out io.Writer, tty bool) *progress {
	return &progress{out: out, tty: tty}
}

func (p *progress) Emit(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Kind {
	case events.DownloadProgress, events.UploadProgress:
		if !p.tty || e.Total <= 0 {
			return
		}
		verb := "down"
		if e.Kind == events.UploadProgress {
			verb = "up"
		}
		fmt.Fprintf(p.out, "\r\033[K%-4s %s %s / %s", verb, short(e.Hash.String()), humanBytes(e.Bytes), humanBytes(e.Total))
		p.dirty = true

	case events.DownloadFinished, events.UploadFinished:
		p.clear()
		verb := "downloaded"
		if e.Kind == events.UploadFinished {
			verb = "uploaded"
		}
		if e.Err != nil {
			fmt.Fprintf(p.out, "failed %s: %v\n", e.Hash, e.Err)
			return
		}
		fmt.Fprintf(p.out, "%s %s (%s)\n", verb, e.Hash, humanBytes(e.Total))

	case events.Notification:
		p.clear()
		fmt.Fprintf(p.out, "! %s (%d)\n", e.Message, e.Count)
	}
}

func (p *progress) clear() {
	if p.dirty {
		fmt.Fprint(p.out, "\r\033[K")
		p.dirty = false
	}
}

func short(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
