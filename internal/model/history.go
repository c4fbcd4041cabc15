package model

// UrlStatus is the terminal state of a UrlInfo entry (an NZB still to be
// fetched from a URL rather than ingested directly).
type UrlStatus int

const (
	UrlStatusUndefined UrlStatus = iota
	UrlStatusRunning
	UrlStatusFinished
	UrlStatusFailed
	UrlStatusRetry
)

// UrlInfo describes a pending URL-based NZB fetch. The core never performs
// the fetch itself (out of scope); it only carries the record through the
// queue and history.
type UrlInfo struct {
	ID         int64
	URL        string
	NZBFilename string
	Category   string
	Priority   int
	AddTop     bool
	AddPaused  bool
	Force      bool
	Status     UrlStatus
}

// HistoryKind discriminates the tagged sum stored in a HistoryEntry,
// with exactly one variant populated per entry.
type HistoryKind int

const (
	HistoryKindUnknown HistoryKind = iota
	HistoryKindNzb
	HistoryKindURL
)

// HistoryEntry is a tagged sum of the two kinds of record the history list
// can hold. Exactly one of Nzb/Url is non-nil, selected by Kind.
type HistoryEntry struct {
	ID   int64
	Kind HistoryKind
	Nzb  *NzbInfo
	Url  *UrlInfo
}

// NewNzbHistoryEntry wraps an NzbInfo for insertion into the history list.
func NewNzbHistoryEntry(id int64, nzb *NzbInfo) *HistoryEntry {
	return &HistoryEntry{ID: id, Kind: HistoryKindNzb, Nzb: nzb}
}

// NewUrlHistoryEntry wraps a UrlInfo for insertion into the history list.
func NewUrlHistoryEntry(id int64, url *UrlInfo) *HistoryEntry {
	return &HistoryEntry{ID: id, Kind: HistoryKindURL, Url: url}
}

// Name returns the display name for whichever variant this entry holds.
func (h *HistoryEntry) Name() string {
	switch h.Kind {
	case HistoryKindNzb:
		if h.Nzb != nil {
			return h.Nzb.Name
		}
	case HistoryKindURL:
		if h.Url != nil {
			return h.Url.NZBFilename
		}
	}
	return ""
}
